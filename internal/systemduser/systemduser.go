package systemduser

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Systemd provides operations for interacting with systemd user units
type Systemd interface {
	// DaemonReload reloads systemd user configuration
	DaemonReload(ctx context.Context) error
	// TryRestartUnits restarts the specified units if they are running
	TryRestartUnits(ctx context.Context, units []string) error
	// IsAvailable checks if systemctl --user is accessible
	IsAvailable(ctx context.Context) (bool, error)
}

// Client implements Systemd by shelling out to systemctl --user
type Client struct {
	systemctl string
}

// NewClient creates a new systemd client
func NewClient() *Client {
	return &Client{systemctl: "systemctl"}
}

// DaemonReload reloads systemd user daemon configuration
func (c *Client) DaemonReload(ctx context.Context) error {
	if output, err := c.run(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload failed: %w: %s", err, output)
	}
	return nil
}

// TryRestartUnits restarts the specified units. try-restart leaves units
// that are not running alone, so a version whose service was never started
// is not an error.
func (c *Client) TryRestartUnits(ctx context.Context, units []string) error {
	if len(units) == 0 {
		return nil
	}
	args := append([]string{"try-restart"}, units...)
	if output, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("systemctl try-restart %s failed: %w: %s", strings.Join(units, " "), err, output)
	}
	return nil
}

// IsAvailable checks if systemctl --user is accessible
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	_, err := c.run(ctx, "status")

	// systemctl status returns non-zero for degraded systems, but it's still available
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() <= 3 {
			return true, nil
		}
		return false, fmt.Errorf("systemctl --user not available: %w", err)
	}
	return true, nil
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.systemctl, append([]string{"--user"}, args...)...)
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}
