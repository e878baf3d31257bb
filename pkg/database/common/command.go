package common

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// RunCommand starts cmd and waits for it, killing the process when ctx is
// cancelled or timeout elapses. Stderr is captured into the returned error.
func RunCommand(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	if cmd.Stderr == nil {
		cmd.Stderr = &stderr
	}

	name := cmd.Path
	if len(cmd.Args) > 0 {
		name = cmd.Args[0]
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
		return fmt.Errorf("%s interrupted: %w", name, ctx.Err())
	case err := <-done:
		if err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return fmt.Errorf("%s failed: %w: %s", name, err, msg)
			}
			return fmt.Errorf("%s failed: %w", name, err)
		}
		return nil
	}
}
