package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// RunBackground is the background-role entry of a subprocess executor. It
// consumes InitializationData from InitEnvVar exactly once, serves fn over
// stdin/stdout and returns when fn does.
func RunBackground(ctx context.Context, fn BackgroundFunc) error {
	return runBackground(ctx, fn, os.Stdin, os.Stdout)
}

func runBackground(ctx context.Context, fn BackgroundFunc, r io.Reader, w io.WriteCloser) error {
	init, err := readInitDataFromEnv()
	if err != nil {
		return fmt.Errorf("background role: %w", err)
	}

	conn := newStreamConn(r, w, nil)

	runErr := fn(ctx, init, conn)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	return errors.Join(runErr, conn.Close())
}
