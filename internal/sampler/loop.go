// Package sampler runs the top-level sampling state machine: it reads the
// bridge config, drives the metric collector and frame-rate estimator, and
// writes merged samples back to the device at a steady cadence.
package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perflab/devicepulse/internal/config"
	"github.com/perflab/devicepulse/internal/domain"
	"github.com/perflab/devicepulse/internal/logging"
	"github.com/perflab/devicepulse/internal/ports"
	"github.com/perflab/devicepulse/internal/sampler/collect"
	"github.com/perflab/devicepulse/internal/sampler/fps"
	"github.com/perflab/devicepulse/pkg/observer"
)

// Bumped when sampling behavior changes; shows up in SAMPLE lines so a log
// alone tells which build produced it.
const samplerRev = "2026-08-streaming-v3"

// State names the sampler loop's current mode.
type State string

const (
	// StateIdle means no valid config: the device is not monitoring.
	StateIdle State = "idle"
	// StateSampling means cycles are running against a valid config.
	StateSampling State = "sampling"
	// StateStopped is terminal, entered on external cancellation.
	StateStopped State = "stopped"
)

const (
	idleWait         = 2 * time.Second
	minCycleSleep    = 50 * time.Millisecond
	maxCfgFailStreak = 10
)

// Status is a point-in-time snapshot of the loop for the status endpoint.
type Status struct {
	State          State    `json:"state"`
	Serial         string   `json:"serial"`
	Target         string   `json:"target,omitempty"`
	ConfigPath     PathMode `json:"configPathMode"`
	MetricsPath    PathMode `json:"metricsPathMode"`
	FPSSamples     int      `json:"fpsSamples"`
	LastSampleAtMs int64    `json:"lastSampleAtMs,omitempty"`
	LastSampleKeys []string `json:"lastSampleKeys,omitempty"`
}

// Service owns the sampling loop. All mutable loop state is confined to the
// Run goroutine; concurrent readers get snapshots through Status and sample
// events through Events.
type Service struct {
	cfg    config.Config
	exec   ports.RemoteExecutor
	serial string
	neg    *Negotiator
	col    *collect.Collector
	fpsSrc ports.FrameRateSource
	log    *logging.RateLimited
	events *observer.Subject[domain.MetricSample]

	lastGood   domain.SampleConfig
	haveGood   bool
	failStreak int
	lastSig    string

	// layerHint is fed to the layer candidate generation once a discovery
	// mechanism populates it. TODO: wire SurfaceFlinger layer discovery so
	// frame timeline filters can match SurfaceView layers directly.
	layerHint string

	mu     sync.RWMutex
	status Status
}

// New wires the loop together: negotiator, collector, and the streaming
// frame-rate worker, all sharing one rate-limited log sink.
func New(cfg config.Config, exec ports.RemoteExecutor, tq ports.TraceQuerier, serial string, logger *zap.Logger) *Service {
	log := logging.NewRateLimited(logger)
	fpsWorker := fps.NewWorker(exec, tq, serial, log)
	return &Service{
		cfg:    cfg,
		exec:   exec,
		serial: serial,
		neg:    NewNegotiator(exec, cfg, log),
		col:    collect.New(exec, fpsWorker, log),
		fpsSrc: fpsWorker,
		log:    log,
		events: observer.NewSubject[domain.MetricSample](),
		status: Status{State: StateIdle, Serial: serial},
	}
}

// Events exposes the sample stream; observers see every successfully
// written sample.
func (s *Service) Events() *observer.Subject[domain.MetricSample] { return s.events }

// Status returns the loop snapshot.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) setStatus(mutate func(*Status)) {
	s.mu.Lock()
	mutate(&s.status)
	s.status.ConfigPath = s.neg.ConfigPathMode()
	s.status.MetricsPath = s.neg.MetricsPathMode()
	if s.fpsSrc != nil {
		s.status.FPSSamples = s.fpsSrc.SampleCount()
	}
	s.mu.Unlock()
}

// Run blocks until ctx is cancelled. Transient failures of any kind keep
// the loop alive; only cancellation ends it.
func (s *Service) Run(ctx context.Context) error {
	// Postcondition: the external files dir exists if the shell could
	// create it; a missing dir just means external writes fall through to
	// run-as.
	_, _ = s.exec.Exec(ctx, []string{"shell", "mkdir", "-p", s.cfg.ExternalDir()}, 6*time.Second, "")

	s.col.ProbeClock(ctx)
	s.col.Start()
	defer s.col.Stop()
	s.fpsSrc.Start()
	defer s.fpsSrc.Stop()

	s.log.Line(fmt.Sprintf("%s sampler started serial=%s (waiting for the phone to begin monitoring)", logging.TagOK, s.serial))

	for {
		wait := s.cycle(ctx)
		select {
		case <-ctx.Done():
			s.setStatus(func(st *Status) { st.State = StateStopped })
			s.log.Line(logging.TagOK + " sampler stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// cycle executes one loop iteration and returns how long to wait before the
// next one.
func (s *Service) cycle(ctx context.Context) time.Duration {
	cycleStart := time.Now()

	cfg, ok, err := s.neg.ReadConfig(ctx)
	if err != nil {
		s.log.Error("config read failed", err)
	}

	valid := ok && cfg.Valid()
	if valid {
		s.lastGood = cfg
		s.haveGood = true
		s.failStreak = 0
	} else if s.haveGood {
		// Hold the last known good config through transient read failures;
		// after enough misses the phone has most likely really stopped.
		s.failStreak++
		if s.failStreak <= maxCfgFailStreak {
			cfg = s.lastGood
			valid = true
		} else {
			s.failStreak = 0
			s.haveGood = false
		}
	}

	if !valid {
		s.enterIdle()
		return idleWait
	}

	return s.sampleOnce(ctx, cfg, cycleStart)
}

// enterIdle resets every per-session accumulator so the next session starts
// from scratch, and parks the frame-rate worker.
func (s *Service) enterIdle() {
	s.log.State(logging.TagWait+" waiting for the phone to start monitoring", 30*time.Second)

	s.fpsSrc.Configure(ports.FrameRateConfig{SamplingMs: 1000})
	s.col.ResetSession()
	s.lastSig = ""
	s.layerHint = ""

	s.setStatus(func(st *Status) {
		st.State = StateIdle
		st.Target = ""
	})
}

func (s *Service) sampleOnce(ctx context.Context, cfg domain.SampleConfig, cycleStart time.Time) time.Duration {
	want := cfg.WantedKeys()
	nowMs := time.Now().UnixMilli()

	if sig := cfg.Signature(); sig != s.lastSig {
		s.lastSig = sig
		keys := make([]string, 0, len(want))
		for k := range want {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		joined := "-"
		if len(keys) > 0 {
			joined = strings.Join(keys, ",")
		}
		s.log.State(fmt.Sprintf("%s enabled=%v pkg=%s keys=%s", logging.TagCfg, cfg.Enabled, cfg.TargetPackage, joined), 200*time.Millisecond)
	}

	layerCands := []string{cfg.TargetPackage}
	if s.layerHint != "" {
		layerCands = fps.LayerCandidates(s.layerHint, cfg.TargetPackage)
	}
	s.fpsSrc.Configure(ports.FrameRateConfig{
		TargetPackage:   cfg.TargetPackage,
		LayerHint:       s.layerHint,
		LayerCandidates: layerCands,
		SamplingMs:      cfg.SamplingMs,
		Enabled:         true,
	})

	values := s.col.Collect(ctx, cfg.TargetPackage, want, nowMs)

	gotKeys := make([]string, 0, len(values))
	for k := range values {
		gotKeys = append(gotKeys, k)
	}
	sort.Strings(gotKeys)
	joinedGot := "-"
	if len(gotKeys) > 0 {
		joinedGot = strings.Join(gotKeys, ",")
	}
	s.log.State(fmt.Sprintf("%s pkg=%s want=%d got=%d gotKeys=%s rev=%s fpsSamples=%d",
		logging.TagSample, cfg.TargetPackage, len(want), len(values), joinedGot, samplerRev, s.fpsSrc.SampleCount()),
		1200*time.Millisecond)

	sample := domain.MetricSample{Pkg: cfg.TargetPackage, T: nowMs, V: values}
	wrote := false
	if payload, err := json.Marshal(sample); err == nil {
		wrote = s.neg.WriteMetrics(ctx, payload)
	}
	if wrote {
		s.events.Publish(ctx, sample)
	} else {
		s.log.State(logging.TagErr+" metrics write failed (no usable path)", 3*time.Second)
	}

	s.setStatus(func(st *Status) {
		st.State = StateSampling
		st.Target = cfg.TargetPackage
		if wrote {
			st.LastSampleAtMs = nowMs
			st.LastSampleKeys = gotKeys
		}
	})

	wait := time.Duration(cfg.SamplingMs)*time.Millisecond - time.Since(cycleStart)
	if wait < minCycleSleep {
		wait = minCycleSleep
	}
	return wait
}
