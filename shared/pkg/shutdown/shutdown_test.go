package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/encodefleet/encodefleet/pkg/logging"
)

func TestShutdownRunsHooksInReverse(t *testing.T) {
	m := New(time.Second, logging.Discard())

	var order []string
	m.Register("store", func(ctx context.Context) error {
		order = append(order, "store")
		return nil
	})
	m.Register("reaper", func(ctx context.Context) error {
		order = append(order, "reaper")
		return errors.New("stuck")
	})
	m.Register("api", func(ctx context.Context) error {
		order = append(order, "api")
		return nil
	})

	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reaper")
	assert.Equal(t, []string{"api", "reaper", "store"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed after shutdown")
	}
}

func TestWaitWithContextTrigger(t *testing.T) {
	m := New(time.Second, logging.Discard())
	closed := false
	m.Register("thing", CloseResource(closerFunc(func() error {
		closed = true
		return nil
	})))

	go m.Trigger()
	require.NoError(t, m.WaitWithContext(context.Background()))
	assert.True(t, closed)
}

func TestWaitWithContextCancel(t *testing.T) {
	m := New(time.Second, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, m.WaitWithContext(ctx))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
