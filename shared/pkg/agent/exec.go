package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/models"
)

// ExitPermanent is the exit status (EX_DATAERR) an encoder command uses to
// say the input itself is bad and another attempt would fail the same way.
const ExitPermanent = 65

const stderrTail = 2048

// ExecHandler runs an external encoder command per job. The job is passed in
// ENCODEFLEET_* environment variables. The command reports on stdout, one
// directive per line:
//
//	progress <stage> <percent>
//	result <output_cid> [manifest_cid] [quality,quality,...]
//
// Other lines are logged at debug level.
type ExecHandler struct {
	Command string
	Args    []string
	Env     []string

	// KillGrace is how long an interrupted command has between SIGINT and SIGKILL
	KillGrace time.Duration
	Logger    *logging.Logger
}

func jobEnv(job *models.Job) []string {
	return []string{
		"ENCODEFLEET_JOB_ID=" + job.ID,
		"ENCODEFLEET_OWNER=" + job.Owner,
		"ENCODEFLEET_PERMLINK=" + job.Permlink,
		"ENCODEFLEET_INPUT_CID=" + job.InputCID,
		"ENCODEFLEET_INPUT_SIZE=" + strconv.FormatInt(job.InputSize, 10),
		"ENCODEFLEET_IS_SHORT=" + strconv.FormatBool(job.IsShort),
		"ENCODEFLEET_ATTEMPT=" + strconv.Itoa(job.Attempts),
	}
}

// Encode runs the command and translates its directives
func (h *ExecHandler) Encode(ctx context.Context, job *models.Job, report ProgressFunc) (models.JobResult, error) {
	logger := h.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithField("job_id", job.ID)

	grace := h.KillGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	cmd := exec.CommandContext(ctx, h.Command, h.Args...)
	cmd.Env = append(append(os.Environ(), h.Env...), jobEnv(job)...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = grace

	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return models.JobResult{}, err
	}

	if err := cmd.Start(); err != nil {
		return models.JobResult{}, Permanent(fmt.Errorf("failed to start %s: %w", h.Command, err))
	}
	logger.Debug("Encoder command started", map[string]interface{}{"pid": cmd.Process.Pid, "command": h.Command})

	// Scan in the background: a grandchild still holding stdout must not
	// keep an interrupted job alive past WaitDelay.
	var result *models.JobResult
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			d, err := parseDirective(line)
			switch {
			case err != nil:
				logger.WithError(err).Warn("Ignoring malformed directive")
			case d.kind == "progress":
				report(d.stage, d.percent)
			case d.kind == "result":
				r := d.result
				result = &r
			case strings.TrimSpace(line) != "":
				logger.Debug(line)
			}
		}
	}()

	select {
	case <-scanDone:
	case <-ctx.Done():
	}
	waitErr := cmd.Wait()
	<-scanDone
	if ctx.Err() != nil {
		return models.JobResult{}, ctx.Err()
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == ExitPermanent {
			return models.JobResult{}, Permanent(fmt.Errorf("%s: %w: %s", h.Command, waitErr, msg))
		}
		return models.JobResult{}, fmt.Errorf("%s: %w: %s", h.Command, waitErr, msg)
	}
	if result == nil {
		return models.JobResult{}, Permanent(fmt.Errorf("%s exited without a result line", h.Command))
	}
	return *result, nil
}

type directive struct {
	kind    string
	stage   string
	percent int
	result  models.JobResult
}

func parseDirective(line string) (directive, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return directive{}, nil
	}

	switch strings.ToLower(fields[0]) {
	case "progress":
		if len(fields) != 3 {
			return directive{}, fmt.Errorf("progress wants <stage> <percent>, got %q", line)
		}
		pct, err := strconv.Atoi(strings.TrimSuffix(fields[2], "%"))
		if err != nil {
			return directive{}, fmt.Errorf("bad percent in %q", line)
		}
		return directive{kind: "progress", stage: fields[1], percent: pct}, nil

	case "result":
		if len(fields) < 2 || len(fields) > 4 {
			return directive{}, fmt.Errorf("result wants <output_cid> [manifest_cid] [qualities], got %q", line)
		}
		d := directive{kind: "result", result: models.JobResult{OutputCID: fields[1]}}
		if len(fields) > 2 {
			d.result.ManifestCID = fields[2]
		}
		if len(fields) > 3 {
			d.result.Qualities = strings.Split(fields[3], ",")
		}
		return d, nil
	}
	return directive{}, nil
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
