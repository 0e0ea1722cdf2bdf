package sampler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/perflab/devicepulse/internal/adapters/adb"
	"github.com/perflab/devicepulse/internal/config"
	"github.com/perflab/devicepulse/internal/domain"
	"github.com/perflab/devicepulse/internal/logging"
	"github.com/perflab/devicepulse/internal/ports"
)

// PathMode records which of the two device locations last worked for an
// operation. Once a mode succeeds it is tried first on every later cycle;
// the other path is probed only after the cached one fails.
type PathMode string

const (
	// PathUnknown means no location has succeeded yet.
	PathUnknown PathMode = ""
	// PathExternal is the public external-storage app directory.
	PathExternal PathMode = "external"
	// PathRunAs is the app-private sandbox reached via run-as.
	PathRunAs PathMode = "run-as"
)

const (
	readTimeout  = 2500 * time.Millisecond
	writeTimeout = 3 * time.Second
)

// Negotiator reads the bridge config from, and writes metric samples to,
// whichever of the two candidate device locations currently works. Each
// round trip costs 100-200ms, so the last good mode is cached per
// operation.
type Negotiator struct {
	exec ports.RemoteExecutor
	cfg  config.Config
	log  *logging.RateLimited

	cfgMode PathMode
	metMode PathMode
}

var (
	_ ports.ConfigSource = (*Negotiator)(nil)
	_ ports.MetricsSink  = (*Negotiator)(nil)
)

// NewNegotiator builds a dual-path negotiator over the device transport.
func NewNegotiator(exec ports.RemoteExecutor, cfg config.Config, log *logging.RateLimited) *Negotiator {
	if log == nil {
		log = logging.NewRateLimited(nil)
	}
	return &Negotiator{exec: exec, cfg: cfg, log: log}
}

// ConfigPathMode returns the cached mode for config reads.
func (n *Negotiator) ConfigPathMode() PathMode { return n.cfgMode }

// MetricsPathMode returns the cached mode for metric writes.
func (n *Negotiator) MetricsPathMode() PathMode { return n.metMode }

type pathAttempt struct {
	mode PathMode
	run  func(ctx context.Context) (string, error)
}

// order arranges the two attempts with the cached mode first.
func order(cached PathMode, external, runAs pathAttempt) []pathAttempt {
	if cached == PathRunAs {
		return []pathAttempt{runAs, external}
	}
	return []pathAttempt{external, runAs}
}

// ReadConfig fetches and parses the bridge config. ok=false with nil error
// means the config is missing or unparsable, which the loop treats as "not
// monitoring". A NotDebuggable terminal failure is reported with remedial
// guidance since no amount of retrying will fix it.
func (n *Negotiator) ReadConfig(ctx context.Context) (domain.SampleConfig, bool, error) {
	external := pathAttempt{mode: PathExternal, run: func(ctx context.Context) (string, error) {
		return n.exec.Exec(ctx, []string{"shell", "cat", n.cfg.ExternalConfigPath()}, readTimeout, "")
	}}
	runAs := pathAttempt{mode: PathRunAs, run: func(ctx context.Context) (string, error) {
		return n.exec.RunAs(ctx, n.cfg.BridgePackage, []string{"cat", n.cfg.SandboxConfigPath()}, readTimeout, "")
	}}

	attempts := order(n.cfgMode, external, runAs)

	var text string
	found := false
	for i, a := range attempts {
		out, err := a.run(ctx)
		if err == nil {
			text = strings.TrimSpace(out)
			n.cfgMode = a.mode
			found = true
			break
		}

		last := i == len(attempts)-1
		if last {
			switch {
			case domain.IsNotDebuggable(err):
				n.log.State(logging.TagErr+" run-as unavailable: the bridge app is not a debuggable build. "+
					"Reinstall it as a debug build and retry.", 4*time.Second)
				return domain.SampleConfig{}, false, nil
			case domain.IsNotFound(err):
				return domain.SampleConfig{}, false, nil
			default:
				return domain.SampleConfig{}, false, err
			}
		}

		// A failure other than "wrong path" on the first attempt means the
		// transport itself is unhappy; probing the other path would just
		// double the damage.
		if !domain.IsNotFound(err) && !domain.IsPermissionDenied(err) {
			return domain.SampleConfig{}, false, err
		}
	}

	if !found || text == "" {
		return domain.SampleConfig{}, false, nil
	}

	var cfg domain.SampleConfig
	if err := json.Unmarshal([]byte(text), &cfg); err != nil {
		return domain.SampleConfig{}, false, nil
	}
	return cfg.Normalize(), true, nil
}

// WriteMetrics overwrites the bridge metrics file with payload. A false
// return means neither location accepted the write this cycle; the cached
// mode is kept so the next cycle retries without a probing storm.
func (n *Negotiator) WriteMetrics(ctx context.Context, payload []byte) bool {
	text := string(payload)

	external := pathAttempt{mode: PathExternal, run: func(ctx context.Context) (string, error) {
		cmd := "cat > '" + n.cfg.ExternalMetricsPath() + "'"
		return n.exec.Exec(ctx, []string{"shell", "sh", "-c", adb.ShellDoubleQuote(cmd)}, writeTimeout, text)
	}}
	runAs := pathAttempt{mode: PathRunAs, run: func(ctx context.Context) (string, error) {
		cmd := "cat > '" + n.cfg.SandboxMetricsPath() + "'"
		return n.exec.RunAs(ctx, n.cfg.BridgePackage, []string{"sh", "-c", adb.ShellDoubleQuote(cmd)}, writeTimeout, text)
	}}

	attempts := order(n.metMode, external, runAs)

	for i, a := range attempts {
		_, err := a.run(ctx)
		if err == nil {
			n.metMode = a.mode
			return true
		}

		last := i == len(attempts)-1
		if last {
			if domain.IsNotDebuggable(err) {
				n.log.State(logging.TagErr+" metrics write failed: run-as unavailable (bridge app not debuggable)", 4*time.Second)
			} else {
				n.log.Error("metrics write failed", err)
			}
			return false
		}

		if !domain.IsNotFound(err) && !domain.IsPermissionDenied(err) {
			n.log.Error("metrics write failed", err)
			return false
		}
	}
	return false
}
