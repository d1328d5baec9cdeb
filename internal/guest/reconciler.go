package guest

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cochaviz/keel/internal/logging"
	"github.com/cochaviz/keel/internal/remote"
)

// Outcome records what a reconciliation changed.
type Outcome struct {
	ConfigWritten  bool
	FlagsRewritten bool
	FirewallAdded  bool
	Restarted      bool
	Started        bool
}

// Changed reports whether the guest was modified.
func (o Outcome) Changed() bool {
	return o.ConfigWritten || o.FlagsRewritten || o.FirewallAdded || o.Restarted || o.Started
}

// Reconciler converges the guest's API exposure. Every step reads before it
// writes, so running it against a converged guest changes nothing.
type Reconciler struct {
	Profile Profile
	Logger  *slog.Logger
}

// Reconcile runs the four convergence steps. Failed advisory checks are
// logged and treated as "not converged"; a failed required command aborts
// with a *ReconcileError.
func (r *Reconciler) Reconcile(ctx context.Context, runner remote.Runner) (Outcome, error) {
	logger := logging.Ensure(r.Logger).With("component", "reconcile", "service", r.Profile.ServiceName)
	p := r.Profile
	var out Outcome
	stopped := false

	stop := func() error {
		if stopped {
			return nil
		}
		if _, err := mustRun(ctx, runner, p.stopService()); err != nil {
			return err
		}
		stopped = true
		return nil
	}

	// 1. API configuration file.
	current, declared := r.readConfig(ctx, runner, logger)
	if declared {
		logger.Debug("api config already declares listen address", "address", p.ListenAddress())
	} else {
		content, err := mergeHosts(current, p.ListenAddress())
		if err != nil {
			logger.Warn("existing api config is not valid json, replacing it", "error", err)
			content, _ = mergeHosts("", p.ListenAddress())
		}
		if err := stop(); err != nil {
			return out, err
		}
		if _, err := mustRun(ctx, runner, p.writeConfig(content)); err != nil {
			return out, err
		}
		out.ConfigWritten = true
		logger.Info("api config written", "path", p.ConfigPath, "address", p.ListenAddress())
	}

	// 2. Service command line, checked regardless of step 1.
	if r.serviceFlagsClean(ctx, runner, logger) {
		logger.Debug("service command line is clean")
	} else {
		if err := stop(); err != nil {
			return out, err
		}
		if _, err := mustRun(ctx, runner, p.rewriteFlags()); err != nil {
			return out, err
		}
		out.FlagsRewritten = true
		logger.Info("service command line rewritten", "command", p.ServiceCommandLine())
	}

	// 3. Firewall rule.
	if r.firewallRulePresent(ctx, runner, logger) {
		logger.Debug("firewall rule present", "rule", p.FirewallRule)
	} else {
		if _, err := mustRun(ctx, runner, p.addFirewall()); err != nil {
			return out, err
		}
		out.FirewallAdded = true
		logger.Info("firewall rule added", "rule", p.FirewallRule, "port", p.APIPort)
	}

	// 4. Service running.
	if stopped {
		if _, err := mustRun(ctx, runner, p.startService()); err != nil {
			return out, err
		}
		out.Restarted = true
		logger.Info("service restarted with new configuration")
		return out, nil
	}
	if r.serviceRunning(ctx, runner, logger) {
		return out, nil
	}
	if _, err := mustRun(ctx, runner, p.startService()); err != nil {
		return out, err
	}
	out.Started = true
	logger.Info("service started")
	return out, nil
}

// readConfig returns the current config text and whether it declares the
// listen address.
func (r *Reconciler) readConfig(ctx context.Context, runner remote.Runner, logger *slog.Logger) (string, bool) {
	result, err := runner.Run(ctx, r.Profile.readConfig())
	if err != nil || !result.OK() {
		logger.Warn("could not read api config, rewriting it", "error", err, "result", result.Summary())
		return "", false
	}
	content := strings.TrimSpace(result.Stdout)
	return content, declaresHost(content, r.Profile.ListenAddress())
}

func (r *Reconciler) serviceFlagsClean(ctx context.Context, runner remote.Runner, logger *slog.Logger) bool {
	result, err := runner.Run(ctx, r.Profile.queryService())
	if err != nil || !result.OK() {
		logger.Warn("could not query service definition, rewriting it", "error", err, "result", result.Summary())
		return false
	}
	binPath := binaryPathName(result.Stdout)
	if binPath == "" {
		logger.Warn("service definition has no binary path")
		return false
	}
	return flagsClean(binPath, r.Profile)
}

func (r *Reconciler) firewallRulePresent(ctx context.Context, runner remote.Runner, logger *slog.Logger) bool {
	result, err := runner.Run(ctx, r.Profile.queryFirewall())
	if err != nil {
		logger.Warn("could not query firewall, adding rule", "error", err)
		return false
	}
	return result.OK()
}

func (r *Reconciler) serviceRunning(ctx context.Context, runner remote.Runner, logger *slog.Logger) bool {
	result, err := runner.Run(ctx, r.Profile.serviceStatus())
	if err != nil || !result.OK() {
		logger.Warn("could not query service status, starting it", "error", err, "result", result.Summary())
		return false
	}
	return strings.EqualFold(strings.TrimSpace(result.Stdout), "Running")
}

type engineConfig map[string]any

func declaresHost(content, address string) bool {
	if content == "" {
		return false
	}
	var cfg engineConfig
	if err := json.Unmarshal([]byte(content), &cfg); err != nil {
		return false
	}
	hosts, _ := cfg["hosts"].([]any)
	for _, h := range hosts {
		if s, ok := h.(string); ok && s == address {
			return true
		}
	}
	return false
}

// mergeHosts adds address to the hosts list of an existing config, keeping
// every other setting.
func mergeHosts(content, address string) (string, error) {
	cfg := engineConfig{}
	if strings.TrimSpace(content) != "" {
		if err := json.Unmarshal([]byte(content), &cfg); err != nil {
			return "", err
		}
	}
	hosts := []any{address, "npipe://"}
	if existing, ok := cfg["hosts"].([]any); ok {
		for _, h := range existing {
			if s, ok := h.(string); ok && s != address && s != "npipe://" {
				hosts = append(hosts, s)
			}
		}
	}
	cfg["hosts"] = hosts
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var binaryPathLine = regexp.MustCompile(`(?m)^\s*BINARY_PATH_NAME\s*:\s*(.+?)\s*$`)

func binaryPathName(qc string) string {
	m := binaryPathLine.FindStringSubmatch(qc)
	if m == nil {
		return ""
	}
	return m[1]
}

// flagsClean reports whether the service command line carries the service
// flag and none of the forbidden ones.
func flagsClean(binPath string, p Profile) bool {
	args := binPath
	if strings.HasPrefix(args, `"`) {
		if end := strings.Index(args[1:], `"`); end >= 0 {
			args = args[end+2:]
		}
	} else if i := strings.Index(strings.ToLower(args), ".exe"); i >= 0 {
		args = args[i+len(".exe"):]
	}

	hasServiceFlag := false
	for _, field := range strings.Fields(args) {
		name := field
		if i := strings.IndexByte(name, '='); i >= 0 {
			name = name[:i]
		}
		if name == p.ServiceFlag {
			hasServiceFlag = true
		}
		for _, forbidden := range p.ForbiddenFlags {
			if name == forbidden {
				return false
			}
		}
	}
	return hasServiceFlag
}
