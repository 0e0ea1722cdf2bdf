package fps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perflab/devicepulse/internal/logging"
	"github.com/perflab/devicepulse/internal/ports"
)

const (
	streamInterval    = 1 * time.Second
	streamFailLimit   = 5
	streamEmptyLimit  = 10
	offlineCaptureMs  = 1500
	offlinePause      = 300 * time.Millisecond
	offlineRetryPause = 2 * time.Second
	stopJoinWindow    = 15 * time.Second
	// An event span this small cannot anchor a rate; treat the raw event
	// count as one second's worth instead.
	minSpanSec = 0.05
)

// Worker is the background frame-rate estimator. It streams atrace frame
// events every second while that source produces, and demotes itself to
// offline perfetto captures when streaming is unavailable or goes quiet.
// It owns all of its state; the rest of the system interacts only through
// Configure and the non-blocking Latest accessor.
type Worker struct {
	exec   ports.RemoteExecutor
	tq     ports.TraceQuerier
	serial string
	log    *logging.RateLimited

	mu           sync.Mutex
	cfg          ports.FrameRateConfig
	latestFPS    float64
	latestAtMs   int64
	latestDetail string
	hasLatest    bool
	samples      int

	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

var _ ports.FrameRateSource = (*Worker)(nil)

// NewWorker wires a streaming estimator over the device transport and the
// host trace querier.
func NewWorker(exec ports.RemoteExecutor, tq ports.TraceQuerier, serial string, log *logging.RateLimited) *Worker {
	if log == nil {
		log = logging.NewRateLimited(zap.NewNop())
	}
	return &Worker{exec: exec, tq: tq, serial: serial, log: log, now: time.Now}
}

// Start launches the background loop. Repeated calls while running are no-ops.
func (w *Worker) Start() {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop signals the loop and waits a bounded window for it to exit; a loop
// stuck in a remote call is abandoned rather than blocking shutdown.
func (w *Worker) Stop() {
	w.startMu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.done = nil
	w.startMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(stopJoinWindow):
	}
}

// Configure replaces the monitoring parameters. A disabled config parks the
// loop without tearing the trace source down.
func (w *Worker) Configure(cfg ports.FrameRateConfig) {
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
}

// Latest returns the most recent estimate without blocking.
func (w *Worker) Latest() (float64, int64, string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latestFPS, w.latestAtMs, w.latestDetail, w.hasLatest
}

// SampleCount is the number of estimates produced over the worker's
// lifetime. Enable/disable transitions do not reset it.
func (w *Worker) SampleCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samples
}

func (w *Worker) config() ports.FrameRateConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

func (w *Worker) publish(fps float64, detail string) {
	nowMs := w.now().UnixMilli()
	w.mu.Lock()
	w.latestFPS = fps
	w.latestAtMs = nowMs
	w.latestDetail = detail
	w.hasLatest = true
	w.samples++
	w.mu.Unlock()
}

func (w *Worker) countSample() {
	w.mu.Lock()
	w.samples++
	w.mu.Unlock()
}

// wait sleeps for d unless the context ends first; it reports whether the
// loop should keep running.
func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (w *Worker) active() bool {
	cfg := w.config()
	return cfg.Enabled && cfg.TargetPackage != ""
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	for !w.active() {
		if !w.wait(ctx, 500*time.Millisecond) {
			return
		}
	}

	if w.atraceStart(ctx) {
		w.log.Line(logging.TagOK + " fps worker: streaming atrace capture (1 sample/s)")
		defer w.atraceStop(context.Background())
		w.loopStreaming(ctx)
		return
	}

	w.log.Line(logging.TagWarn + " fps worker: atrace unavailable, using offline perfetto captures")
	w.loopOffline(ctx)
}

// ------------------------------------------------------------------
// streaming strategy
// ------------------------------------------------------------------

func (w *Worker) atraceStart(ctx context.Context) bool {
	_, err := w.exec.Exec(ctx,
		[]string{"shell", "atrace", "--async_start", "-b", "8192", "-c", "gfx", "view"},
		5*time.Second, "")
	if err != nil {
		w.log.Error("atrace --async_start failed", err)
		return false
	}
	return true
}

func (w *Worker) atraceStop(ctx context.Context) {
	_, _ = w.exec.Exec(ctx, []string{"shell", "atrace", "--async_stop"}, 5*time.Second, "")
}

// atraceDump snapshots the trace buffer without consuming it.
func (w *Worker) atraceDump(ctx context.Context) (string, error) {
	return w.exec.Exec(ctx,
		[]string{"shell", "atrace", "--async_dump", "-b", "8192", "-c", "gfx", "view"},
		5*time.Second, "")
}

func (w *Worker) loopStreaming(ctx context.Context) {
	lastMaxTs := 0.0
	consecutiveEmpty := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if !w.active() {
			if !w.wait(ctx, streamInterval) {
				return
			}
			continue
		}

		if !w.wait(ctx, streamInterval) {
			return
		}

		dump, err := w.atraceDump(ctx)
		if err != nil {
			w.log.Error("atrace dump failed", err)
			consecutiveEmpty++
			if consecutiveEmpty >= streamFailLimit {
				w.log.Line(logging.TagWarn + " atrace failing repeatedly, demoting to offline perfetto")
				w.atraceStop(ctx)
				w.loopOffline(ctx)
				return
			}
			continue
		}

		count, minTs, maxTs, method := countFrameEvents(dump, lastMaxTs)
		switch {
		case count > 0 && maxTs > minTs:
			spanS := maxTs - minTs
			fps := float64(count)
			if spanS > minSpanSec {
				fps = float64(count) / spanS
			}
			lastMaxTs = maxTs
			consecutiveEmpty = 0
			w.publish(fps, fmt.Sprintf("%s frames=%d span=%.3fs", method, count, spanS))
			w.log.State(fmt.Sprintf("%s fps(atrace): %.1f (%s frames=%d)", logging.TagOK, fps, method, count), 1200*time.Millisecond)
		case count > 0:
			fps := float64(count)
			if maxTs > 0 {
				lastMaxTs = maxTs
			}
			consecutiveEmpty = 0
			w.publish(fps, fmt.Sprintf("%s frames=%d span=~1s", method, count))
			w.log.State(fmt.Sprintf("%s fps(atrace): %.1f (%s frames=%d span=~1s)", logging.TagOK, fps, method, count), 1200*time.Millisecond)
		default:
			consecutiveEmpty++
			if consecutiveEmpty >= streamEmptyLimit {
				w.log.Line(logging.TagWarn + " atrace produced no frame events, demoting to offline perfetto")
				w.atraceStop(ctx)
				w.loopOffline(ctx)
				return
			}
		}
	}
}

// ------------------------------------------------------------------
// offline strategy
// ------------------------------------------------------------------

// offlineOnce captures a short trace window, pulls it, and analyzes it.
func (w *Worker) offlineOnce(ctx context.Context) (float64, string, bool, error) {
	cfg := w.config()

	remote := "/data/local/tmp/dp_ft_" + safeSerial(w.serial) + ".perfetto-trace"
	local := filepath.Join(os.TempDir(), "dp_ft_"+safeSerial(w.serial)+".perfetto-trace")

	if err := captureFrameTimeline(ctx, w.exec, w.serial, remote, offlineCaptureMs); err != nil {
		return 0, "", false, err
	}
	if _, err := w.exec.Exec(ctx, []string{"pull", remote, local}, 12*time.Second, ""); err != nil {
		return 0, "", false, err
	}

	fps, detail, ok := fpsFromTrace(ctx, w.tq, local, cfg.TargetPackage, offlineCaptureMs, cfg.LayerHint, cfg.LayerCandidates)
	return fps, detail, ok, nil
}

func (w *Worker) loopOffline(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !w.active() {
			if !w.wait(ctx, streamInterval) {
				return
			}
			continue
		}

		fps, detail, ok, err := w.offlineOnce(ctx)
		if err != nil {
			w.log.Error("perfetto capture failed", err)
			if !w.wait(ctx, offlineRetryPause) {
				return
			}
			continue
		}

		if ok && fps >= 0 {
			w.publish(fps, detail)
			w.log.State(fmt.Sprintf("%s fps(perfetto): %.1f (%s)", logging.TagOK, fps, detail), 1200*time.Millisecond)
		} else {
			w.countSample()
			w.log.State(logging.TagWarn+" perfetto produced no fps: "+detail, 5*time.Second)
		}

		if !w.wait(ctx, offlinePause) {
			return
		}
	}
}
