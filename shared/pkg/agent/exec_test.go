package agent

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/models"
)

func TestParseDirective(t *testing.T) {
	tests := []struct {
		line    string
		want    directive
		wantErr bool
	}{
		{line: "progress encoding_720p 40", want: directive{kind: "progress", stage: "encoding_720p", percent: 40}},
		{line: "PROGRESS downloading 100%", want: directive{kind: "progress", stage: "downloading", percent: 100}},
		{line: "result bafy-out", want: directive{kind: "result", result: models.JobResult{OutputCID: "bafy-out"}}},
		{line: "result bafy-out bafy-m 1080p,720p", want: directive{kind: "result", result: models.JobResult{
			OutputCID: "bafy-out", ManifestCID: "bafy-m", Qualities: []string{"1080p", "720p"},
		}}},
		{line: "frame=  120 fps=30", want: directive{}},
		{line: "", want: directive{}},
		{line: "progress encoding_720p", wantErr: true},
		{line: "progress encoding_720p lots", wantErr: true},
		{line: "result", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseDirective(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 8}
	tb.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", tb.String())
	tb.Write([]byte("ab"))
	assert.Equal(t, "456789ab", tb.String())
}

func shell(t *testing.T, script string) *ExecHandler {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return &ExecHandler{Command: "sh", Args: []string{"-c", script}, KillGrace: time.Second, Logger: logging.Discard()}
}

var testJob = &models.Job{ID: "job-1", Owner: "alice", Permlink: "video-1", InputCID: "bafy-in", Attempts: 1}

func TestExecHandlerSuccess(t *testing.T) {
	h := shell(t, `
echo "progress downloading 100"
echo "some ffmpeg chatter"
echo "progress encoding_720p 50"
echo "result out-$ENCODEFLEET_INPUT_CID manifest 720p,480p"
`)

	var reports []string
	res, err := h.Encode(context.Background(), testJob, func(stage string, pct int) {
		reports = append(reports, stage)
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobResult{OutputCID: "out-bafy-in", ManifestCID: "manifest", Qualities: []string{"720p", "480p"}}, res)
	assert.Equal(t, []string{"downloading", "encoding_720p"}, reports)
}

func TestExecHandlerFailures(t *testing.T) {
	t.Run("retryable exit", func(t *testing.T) {
		h := shell(t, `echo "disk full" >&2; exit 1`)
		_, err := h.Encode(context.Background(), testJob, func(string, int) {})
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
		assert.True(t, strings.Contains(err.Error(), "disk full"))
	})

	t.Run("permanent exit", func(t *testing.T) {
		h := shell(t, `echo "not a video" >&2; exit 65`)
		_, err := h.Encode(context.Background(), testJob, func(string, int) {})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})

	t.Run("no result", func(t *testing.T) {
		h := shell(t, `echo "progress downloading 10"`)
		_, err := h.Encode(context.Background(), testJob, func(string, int) {})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})

	t.Run("missing binary", func(t *testing.T) {
		h := &ExecHandler{Command: "/nonexistent/encoder", Logger: logging.Discard()}
		_, err := h.Encode(context.Background(), testJob, func(string, int) {})
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})
}

func TestExecHandlerInterrupted(t *testing.T) {
	h := shell(t, `exec sleep 10`)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Encode(ctx, testJob, func(string, int) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}
