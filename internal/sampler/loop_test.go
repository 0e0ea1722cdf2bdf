package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/perflab/devicepulse/internal/adapters/traceproc"
	"github.com/perflab/devicepulse/internal/config"
	"github.com/perflab/devicepulse/internal/domain"
	"github.com/perflab/devicepulse/pkg/observer"
)

// deviceSim scripts a whole device: bridge config file content, proc file
// outputs, and a capture of every metrics payload written back.
type deviceSim struct {
	mu        sync.Mutex
	configOut string
	configErr error
	written   []string
	netRx     int64
	netTx     int64
}

func (d *deviceSim) setConfig(out string, err error) {
	d.mu.Lock()
	d.configOut, d.configErr = out, err
	d.mu.Unlock()
}

func (d *deviceSim) writeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.written)
}

func (d *deviceSim) sampleAt(t *testing.T, i int) domain.MetricSample {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.written) {
		t.Fatalf("no write at index %d (have %d)", i, len(d.written))
	}
	var s domain.MetricSample
	if err := json.Unmarshal([]byte(d.written[i]), &s); err != nil {
		t.Fatalf("written payload %d did not parse: %v", i, err)
	}
	return s
}

func (d *deviceSim) Exec(_ context.Context, args []string, _ time.Duration, stdin string) (string, error) {
	joined := strings.Join(args, " ")
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case strings.Contains(joined, "dp_bridge_config.json"):
		return d.configOut, d.configErr
	case strings.Contains(joined, "dp_bridge_metrics.json"):
		d.written = append(d.written, stdin)
		return "", nil
	case strings.Contains(joined, "atrace"),
		strings.Contains(joined, "perfetto"),
		args[0] == "pull":
		return "", pkgerrors.New("not supported in sim")
	case strings.Contains(joined, "/proc/meminfo"):
		return "MemTotal: 1024000 kB\nMemAvailable: 512000 kB\n", nil
	case strings.Contains(joined, "/proc/net/dev"):
		d.netRx += 1048576
		d.netTx += 524288
		return fmt.Sprintf("Inter-|   Receive\n face |bytes packets\n wlan0: %d 0 0 0 0 0 0 0 %d 0 0 0 0 0 0 0\n", d.netRx, d.netTx), nil
	}
	return "", nil
}

func (d *deviceSim) RunAs(_ context.Context, _ string, args []string, _ time.Duration, _ string) (string, error) {
	return "", &domain.RemoteError{Kind: domain.KindNotFound, Msg: "run-as: not needed in sim", Cmd: strings.Join(args, " ")}
}

func simConfigJSON(enabled bool) string {
	return simConfigJSONKeys(enabled, domain.KeyMemTotal, domain.KeyMemAvail)
}

func simConfigJSONKeys(enabled bool, keys ...string) string {
	b, _ := json.Marshal(domain.SampleConfig{
		Enabled:       enabled,
		TargetPackage: "com.x",
		SamplingMs:    100,
		MetricKeys:    keys,
	})
	return string(b)
}

func newTestService(sim *deviceSim) *Service {
	cfg := config.Config{BridgePackage: "com.devicepulse.monitor"}
	return New(cfg, sim, traceproc.New(""), "SIM1", zap.NewNop())
}

func runService(t *testing.T, svc *Service) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.Run(ctx); err != nil {
			t.Errorf("Run returned %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not exit after cancel")
		}
	})
	return cancel
}

func waitFor(t *testing.T, within time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceSamplesAndPublishes(t *testing.T) {
	sim := &deviceSim{configOut: simConfigJSON(true)}
	svc := newTestService(sim)

	var mu sync.Mutex
	var samples []domain.MetricSample
	svc.Events().Attach(observer.ObserverFunc[domain.MetricSample](func(_ context.Context, s domain.MetricSample) error {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
		return nil
	}))

	runService(t, svc)

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(samples) >= 2
	}, "two published samples")

	mu.Lock()
	first := samples[0]
	mu.Unlock()
	if first.Pkg != "com.x" {
		t.Fatalf("sample pkg = %q", first.Pkg)
	}
	if first.V[domain.KeyMemTotal] != 1000 || first.V[domain.KeyMemAvail] != 500 {
		t.Fatalf("sample values: %v", first.V)
	}

	st := svc.Status()
	if st.State != StateSampling {
		t.Fatalf("state = %q", st.State)
	}
	if st.Target != "com.x" || st.Serial != "SIM1" {
		t.Fatalf("status = %+v", st)
	}
	if st.ConfigPath != PathExternal || st.MetricsPath != PathExternal {
		t.Fatalf("path modes: %+v", st)
	}

	if sim.writeCount() < 2 {
		t.Fatal("metrics must have been written to the device")
	}
}

func TestServiceIdleWithoutConfig(t *testing.T) {
	sim := &deviceSim{configErr: &domain.RemoteError{Kind: domain.KindNotFound, Msg: "No such file or directory"}}
	svc := newTestService(sim)
	runService(t, svc)

	waitFor(t, 3*time.Second, func() bool {
		return svc.Status().State == StateIdle
	}, "idle state")

	if sim.writeCount() != 0 {
		t.Fatal("idle loop must not write metrics")
	}
}

func TestServiceHoldsLastGoodConfigThroughReadFailures(t *testing.T) {
	sim := &deviceSim{configOut: simConfigJSON(true)}
	svc := newTestService(sim)
	runService(t, svc)

	waitFor(t, 5*time.Second, func() bool { return sim.writeCount() >= 1 }, "first sample")

	// The config file vanishes; the loop keeps sampling on the last good
	// config for a bounded number of cycles.
	sim.setConfig("", &domain.RemoteError{Kind: domain.KindNotFound, Msg: "No such file or directory"})

	base := sim.writeCount()
	waitFor(t, 5*time.Second, func() bool { return sim.writeCount() > base+2 }, "samples on last-good config")

	// And eventually gives up and goes idle.
	waitFor(t, 10*time.Second, func() bool {
		return svc.Status().State == StateIdle
	}, "idle after repeated read failures")
}

func TestServiceDisabledConfigIsIdle(t *testing.T) {
	sim := &deviceSim{configOut: simConfigJSON(false)}
	svc := newTestService(sim)
	runService(t, svc)

	waitFor(t, 3*time.Second, func() bool {
		return svc.Status().State == StateIdle
	}, "idle on disabled config")
}

func TestServiceConfigExpiryResetsRateState(t *testing.T) {
	sim := &deviceSim{configOut: simConfigJSONKeys(true, domain.KeyNetRx, domain.KeyMemTotal)}
	svc := newTestService(sim)
	runService(t, svc)

	// Rate metrics need two cycles of counters, so a net value showing up
	// proves the rate state is primed.
	waitFor(t, 5*time.Second, func() bool {
		n := sim.writeCount()
		if n == 0 {
			return false
		}
		_, ok := sim.sampleAt(t, n-1).V[domain.KeyNetRx]
		return ok
	}, "a sample with a net rate")

	// The config disappears long enough to blow past the last-good hold.
	sim.setConfig("", &domain.RemoteError{Kind: domain.KindNotFound, Msg: "No such file or directory"})
	waitFor(t, 10*time.Second, func() bool {
		return svc.Status().State == StateIdle
	}, "idle after the config expires")

	// Monitoring resumes: the first sample of the new session must start
	// from clean counters, so no rate key may be present on it.
	base := sim.writeCount()
	sim.setConfig(simConfigJSONKeys(true, domain.KeyNetRx, domain.KeyMemTotal), nil)
	waitFor(t, 5*time.Second, func() bool { return sim.writeCount() > base }, "first sample of the new session")

	first := sim.sampleAt(t, base)
	if _, ok := first.V[domain.KeyNetRx]; ok {
		t.Fatalf("first sample after a session reset must carry no rate keys: %v", first.V)
	}
	if first.V[domain.KeyMemTotal] != 1000 {
		t.Fatalf("gauge keys must survive the reset: %v", first.V)
	}

	// And rates come back once the new session has two cycles of counters.
	waitFor(t, 5*time.Second, func() bool {
		n := sim.writeCount()
		_, ok := sim.sampleAt(t, n-1).V[domain.KeyNetRx]
		return ok
	}, "net rate in the new session")
}
