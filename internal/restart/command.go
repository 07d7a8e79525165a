package restart

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandRestarter restarts the host by running an external command, for
// example a service manager invocation.
type CommandRestarter struct {
	Argv    []string
	Timeout time.Duration
}

func (c CommandRestarter) Restart(ctx context.Context) (Result, error) {
	if len(c.Argv) == 0 || strings.TrimSpace(c.Argv[0]) == "" {
		return Result{}, fmt.Errorf("restart command is empty")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...).CombinedOutput()
	msg := strings.TrimSpace(string(out))
	if err != nil {
		return Result{Success: false, Message: msg}, fmt.Errorf("run restart command: %w", err)
	}
	return Result{Success: true, Message: msg}, nil
}
