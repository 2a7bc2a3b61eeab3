package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// ProxyClient is the part of the restart proxy API the restarter uses.
type ProxyClient interface {
	// Update asks the proxy to reload its routing table.
	Update(ctx context.Context) error
	// Restart asks the proxy to (re)start version of app.
	Restart(ctx context.Context, app, version string) error
}

type restarterData struct {
	App string `json:"app"`
}

// Restarter notifies the restart proxy once the new version is live. The
// notification is deferred until after the swap; its failure rolls the
// swap back but cannot undo what the proxy already did.
type Restarter struct {
	proxy  ProxyClient
	app    string
	logger *slog.Logger
}

// NewRestarter creates a restarter for app. proxy may be nil when no proxy
// is configured, in which case every invocation fails.
func NewRestarter(proxy ProxyClient, app string, logger *slog.Logger) *Restarter {
	return &Restarter{proxy: proxy, app: app, logger: logger}
}

func (r *Restarter) Handle(_ context.Context, req Request) (Result, error) {
	if r.proxy == nil {
		return Result{}, fmt.Errorf("restart proxy not configured")
	}

	app := r.app
	if len(req.Data) > 0 {
		var data restarterData
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return Result{}, fmt.Errorf("invalid restarter data: %w", err)
		}
		if data.App != "" {
			app = data.App
		}
	}
	if app == "" {
		return Result{}, fmt.Errorf("application name not configured")
	}

	version := req.Branch
	return Defer(func(ctx context.Context) error {
		if err := r.proxy.Update(ctx); err != nil {
			return fmt.Errorf("proxy update: %w", err)
		}
		if err := r.proxy.Restart(ctx, app, version); err != nil {
			return fmt.Errorf("proxy restart of %s@%s: %w", app, version, err)
		}
		r.logger.Info("version restarted", "app", app, "version", version)
		return nil
	}), nil
}

// Systemd is the part of the systemd user client the restarter uses.
type Systemd interface {
	DaemonReload(ctx context.Context) error
	TryRestartUnits(ctx context.Context, units []string) error
}

type systemdData struct {
	Units []string `json:"units"`
}

// SystemdRestarter restarts systemd user units after the swap. Unit names
// may contain a {version} placeholder that is replaced with the branch
// name, slashes mapped to dashes.
type SystemdRestarter struct {
	systemd Systemd
	logger  *slog.Logger
}

func NewSystemdRestarter(systemd Systemd, logger *slog.Logger) *SystemdRestarter {
	return &SystemdRestarter{systemd: systemd, logger: logger}
}

func (s *SystemdRestarter) Handle(_ context.Context, req Request) (Result, error) {
	var data systemdData
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			return Result{}, fmt.Errorf("invalid systemd-restarter data: %w", err)
		}
	}
	if len(data.Units) == 0 {
		return Result{}, fmt.Errorf("no units configured")
	}

	units := UnitNames(data.Units, req.Branch)
	return Defer(func(ctx context.Context) error {
		if err := s.systemd.DaemonReload(ctx); err != nil {
			return err
		}
		if err := s.systemd.TryRestartUnits(ctx, units); err != nil {
			return err
		}
		s.logger.Info("units restarted", "units", units, "version", req.Branch)
		return nil
	}), nil
}

// UnitNames expands the {version} placeholder in each unit template.
func UnitNames(templates []string, branch string) []string {
	version := strings.ReplaceAll(branch, "/", "-")
	units := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		units = append(units, strings.ReplaceAll(tmpl, "{version}", version))
	}
	return units
}
