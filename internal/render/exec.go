package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/procs"
)

// ErrTimeout is returned when a render child outlives its deadline.
var ErrTimeout = errors.New("render timed out")

// Exec runs every cycle in a fresh child process so a crashing or hanging generator
// cannot take the daemon down with it.
type Exec struct {
	argv    []string
	env     []string
	timeout time.Duration
	nice    int
	logger  *slog.Logger
}

// NewExec builds the child command from cfg.Command, or re-executes the running binary
// with the render subcommand.
func NewExec(cfg config.RenderConfig, env []string, log *slog.Logger) (*Exec, error) {
	argv, err := procs.Command(cfg.Command, "render")
	if err != nil {
		return nil, fmt.Errorf("render command: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	return &Exec{
		argv:    argv,
		env:     env,
		timeout: timeout,
		nice:    cfg.Nice,
		logger:  log.With(slog.String("component", "render_exec")),
	}, nil
}

func (e *Exec) Render(ctx context.Context, req Request, emit EmitFunc) error {
	runCtx, cancel := context.WithCancel(ctx)
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
	}
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.CommandContext(runCtx, e.argv[0], e.argv[1:]...)
	cmd.Env = e.env
	cmd.Stderr = os.Stderr
	cmd.WaitDelay = 2 * time.Second
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start render: %w", err)
	}
	if e.nice != 0 {
		if err := setPriority(cmd.Process.Pid, e.nice); err != nil {
			e.logger.Debug("render priority unchanged", slog.Int("nice", e.nice), slogError(err))
		}
	}

	if _, err := stdin.Write(payload); err != nil {
		// The child may exit without reading its request; its output decides the result.
		e.logger.Debug("write render request", slogError(err))
	}
	stdin.Close()

	recvErr := Receive(stdout, req.Format(), emit)
	if recvErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	}
	if recvErr != nil {
		if waitErr != nil && errors.Is(recvErr, ErrRenderFailed) {
			return fmt.Errorf("%w (exit: %v)", recvErr, waitErr)
		}
		return recvErr
	}
	if waitErr != nil {
		return fmt.Errorf("render process: %w", waitErr)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
