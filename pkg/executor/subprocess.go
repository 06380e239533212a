package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// DefaultGracePeriod is how long Terminate waits for a child process to exit
// after its stdin was closed before killing it.
const DefaultGracePeriod = 5 * time.Second

// Subprocess starts a child process that runs the background role. The child
// receives InitializationData in InitEnvVar and exchanges newline-delimited
// JSON messages over its stdin and stdout.
type Subprocess struct {
	// Path is the binary to run, normally os.Executable().
	Path string
	// Args are passed to the binary, normally the hidden background command.
	Args []string
	// Env is appended to the controller environment.
	Env []string
	// Stderr receives the child's stderr. Nil means the controller's stderr.
	Stderr io.Writer
	// GracePeriod overrides DefaultGracePeriod.
	GracePeriod time.Duration
}

// Launch implements EntryPoint.
func (s Subprocess) Launch(ctx context.Context, init InitializationData) (Channel, error) {
	if s.Path == "" {
		return nil, errors.New("subprocess entry point has no path")
	}

	encoded, err := EncodeInitData(init)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	cmd := exec.CommandContext(runCtx, s.Path, s.Args...)
	cmd.Env = append(append(os.Environ(), s.Env...), InitEnvVar+"="+encoded)

	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()

		return nil, fmt.Errorf("executor stdin: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()

		return nil, fmt.Errorf("executor stdout: %w", err)
	}

	err = cmd.Start()
	if err != nil {
		cancel()

		return nil, fmt.Errorf("start executor %s: %w", s.Path, err)
	}

	grace := s.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	proc := &processChannel{cancel: cancel, grace: grace}
	proc.streamConn = newStreamConn(stdout, stdin, func() error {
		waitErr := cmd.Wait()
		if waitErr != nil && !proc.terminating.Load() {
			return fmt.Errorf("executor process: %w", waitErr)
		}

		return nil
	})

	return proc, nil
}

type processChannel struct {
	*streamConn

	cancel      context.CancelFunc
	grace       time.Duration
	terminating atomic.Bool
}

// Terminate closes the child's stdin, waits up to the grace period for it to
// exit and kills it otherwise. Once the pumps stopped it returns their error.
func (p *processChannel) Terminate(ctx context.Context) error {
	p.terminating.Store(true)
	p.outbox.close()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-p.done:
		p.cancel()

		return p.err
	case <-timer.C:
	case <-ctx.Done():
	}

	p.cancel()

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return fmt.Errorf("terminate executor process: %w", ctx.Err())
	}
}
