package collect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/perflab/devicepulse/internal/domain"
	"github.com/perflab/devicepulse/internal/logging"
	"github.com/perflab/devicepulse/internal/ports"
	"github.com/perflab/devicepulse/internal/sampler/fps"
)

const (
	numWorkers  = 7
	taskTimeout = 4 * time.Second

	cmdTimeout     = 2500 * time.Millisecond
	dumpsysTimeout = 3 * time.Second
)

type task struct {
	run func() map[string]float64
	out chan map[string]float64
}

// Collector runs the per-cycle metric tasks on a bounded pool of reusable
// workers. A task failure or timeout means "no value for that key this
// cycle" and never disturbs sibling tasks. Collect is called from a single
// goroutine; only the pool workers run concurrently with it.
type Collector struct {
	exec   ports.RemoteExecutor
	fpsSrc ports.FrameRateSource
	log    *logging.RateLimited

	hz    int
	cores int

	jobs chan task
	wg   sync.WaitGroup

	// stateMu guards the rate accumulators below. A task that outlives its
	// result timeout keeps running on its worker and may touch this state
	// while the next cycle is already being collected.
	stateMu  sync.Mutex
	cpu      cpuState
	cpuTotal cpuTotalState
	net      netState
	gfx      fps.LegacyCounter

	// fpsProducing flips once the background estimator has delivered two
	// samples; from then on the expensive same-cycle fallbacks are skipped.
	fpsProducing bool
	lastFPSAtMs  int64
	pendingFPSAt int64
}

// New builds a collector over the device transport and the frame-rate source.
func New(exec ports.RemoteExecutor, fpsSrc ports.FrameRateSource, log *logging.RateLimited) *Collector {
	if log == nil {
		log = logging.NewRateLimited(nil)
	}
	return &Collector{
		exec:   exec,
		fpsSrc: fpsSrc,
		log:    log,
		hz:     100,
		cores:  1,
		jobs:   make(chan task, numWorkers),
	}
}

// Start launches the worker pool. The pool is reused across cycles.
func (c *Collector) Start() {
	for i := 0; i < numWorkers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for t := range c.jobs {
				t.out <- t.run()
			}
		}()
	}
}

// Stop drains and joins the pool.
func (c *Collector) Stop() {
	close(c.jobs)
	c.wg.Wait()
}

// ResetSession clears every rate accumulator. Called when monitoring turns
// off so the next session starts from scratch.
func (c *Collector) ResetSession() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.cpu.reset()
	c.cpuTotal.reset()
	c.net.reset()
	c.gfx.Reset()
	c.fpsProducing = false
	c.lastFPSAtMs = 0
	c.pendingFPSAt = 0
}

// ProbeClock reads the device clock tick rate and online core count once
// per session. Failures fall back to conventional defaults.
func (c *Collector) ProbeClock(ctx context.Context) {
	c.hz = 100
	c.cores = 1
	if out, err := c.exec.Exec(ctx, []string{"shell", "getconf", "CLK_TCK"}, 3*time.Second, ""); err == nil {
		if v, perr := strconv.Atoi(strings.TrimSpace(out)); perr == nil && v > 0 {
			c.hz = v
		}
	}
	if out, err := c.exec.Exec(ctx, []string{"shell", "getconf", "_NPROCESSORS_ONLN"}, 3*time.Second, ""); err == nil {
		if v, perr := strconv.Atoi(strings.TrimSpace(out)); perr == nil && v > 0 {
			c.cores = v
		}
	}
}

func anyWithPrefix(want map[string]bool, prefix string) bool {
	for k := range want {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Collect runs one cycle of metric acquisition for the target package. The
// returned map holds only the keys that produced a value.
func (c *Collector) Collect(ctx context.Context, target string, want map[string]bool, nowMs int64) map[string]float64 {
	wantCPU := want[domain.KeyCPUApp]
	wantPSS := want[domain.KeyAppPSS]
	wantFPS := want[domain.KeyFPSApp]
	wantBattery := anyWithPrefix(want, domain.KeyPrefixBattery)
	wantMem := want[domain.KeyMemTotal] || want[domain.KeyMemAvail]
	wantCPUTotal := want[domain.KeyCPUTotal]
	wantFreq := anyWithPrefix(want, domain.KeyPrefixCPUFreq)
	wantNet := want[domain.KeyNetRx] || want[domain.KeyNetTx]

	c.stateMu.Lock()
	if !c.fpsProducing && c.fpsSrc != nil && c.fpsSrc.SampleCount() >= 2 {
		c.fpsProducing = true
	}
	c.pendingFPSAt = 0
	producing := c.fpsProducing
	lastAt := c.lastFPSAtMs
	c.stateMu.Unlock()

	var outs []chan map[string]float64
	submit := func(run func() map[string]float64) {
		t := task{run: run, out: make(chan map[string]float64, 1)}
		outs = append(outs, t.out)
		c.jobs <- t
	}

	if wantCPU || wantPSS {
		submit(func() map[string]float64 { return c.samplePidCPU(ctx, target, nowMs, wantCPU) })
	}
	if wantPSS {
		submit(func() map[string]float64 { return c.samplePSS(ctx, target) })
	}
	if wantFPS {
		submit(func() map[string]float64 { return c.sampleFPS(ctx, target, nowMs, producing, lastAt) })
	}
	if wantBattery {
		submit(func() map[string]float64 { return c.sampleBattery(ctx) })
	}
	if wantMem {
		submit(func() map[string]float64 { return c.sampleMem(ctx) })
	}
	if wantCPUTotal || wantFreq {
		submit(func() map[string]float64 { return c.sampleCPUSys(ctx, wantCPUTotal, wantFreq) })
	}
	if wantNet {
		submit(func() map[string]float64 { return c.sampleNet(ctx, nowMs) })
	}

	values := make(map[string]float64)
	for _, out := range outs {
		select {
		case res := <-out:
			for k, v := range res {
				values[k] = v
			}
		case <-time.After(taskTimeout):
			// The straggler's result lands in its buffered channel and is
			// dropped with it; the key is simply absent this cycle.
		}
	}

	c.stateMu.Lock()
	if _, ok := values[domain.KeyFPSApp]; ok && c.pendingFPSAt > c.lastFPSAtMs {
		c.lastFPSAtMs = c.pendingFPSAt
	}
	c.stateMu.Unlock()

	return values
}

// samplePidCPU looks up the target pid and diffs its tick counters into a
// normalized CPU percentage.
func (c *Collector) samplePidCPU(ctx context.Context, target string, nowMs int64, wantCPU bool) map[string]float64 {
	out, err := c.exec.Exec(ctx, []string{"shell", "pidof", target}, cmdTimeout, "")
	if err != nil {
		return nil
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 {
		return nil
	}
	pid := fields[0]
	if !wantCPU {
		return nil
	}

	stat, err := c.exec.Exec(ctx, []string{"shell", "cat", "/proc/" + pid + "/stat"}, cmdTimeout, "")
	if err != nil {
		return nil
	}
	lines := strings.SplitN(strings.TrimSpace(stat), "\n", 2)
	ticks, ok := parseProcStatTicks(lines[0])
	if !ok {
		return nil
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	var result map[string]float64
	if c.cpu.hasPrev {
		dtMs := nowMs - c.cpu.prevAtMs
		if dtMs < 1 {
			dtMs = 1
		}
		dTicks := ticks - c.cpu.prevTicks
		if dTicks < 0 {
			dTicks = 0
		}
		cpuSec := float64(dTicks) / float64(maxInt(1, c.hz))
		wallSec := float64(dtMs) / 1000.0
		pct := cpuSec / (wallSec * float64(c.cores)) * 100.0
		result = map[string]float64{domain.KeyCPUApp: clampPct(pct)}
	}
	c.cpu.prevTicks = ticks
	c.cpu.prevAtMs = nowMs
	c.cpu.hasPrev = true
	return result
}

func (c *Collector) samplePSS(ctx context.Context, target string) map[string]float64 {
	out, err := c.exec.Exec(ctx, []string{"shell", "dumpsys", "meminfo", target}, dumpsysTimeout, "")
	if err != nil {
		return nil
	}
	kb, ok := parsePSSKB(out)
	if !ok || kb <= 0 {
		return nil
	}
	return map[string]float64{domain.KeyAppPSS: float64(kb) / 1024.0}
}

// sampleFPS prefers the background estimator once it is producing; before
// that it runs the legacy counter and briefly waits for the estimator to
// catch up. At most ~300ms is spent polling before a stale value is
// accepted over stalling the cycle.
func (c *Collector) sampleFPS(ctx context.Context, target string, nowMs int64, producing bool, lastAt int64) map[string]float64 {
	setPending := func(at int64) {
		c.stateMu.Lock()
		c.pendingFPSAt = at
		c.stateMu.Unlock()
	}
	fresh := func() (float64, int64, bool) {
		v, at, _, ok := c.fpsSrc.Latest()
		if ok && v >= 0 && at > lastAt {
			return v, at, true
		}
		return 0, 0, false
	}

	if producing {
		if v, at, ok := fresh(); ok {
			setPending(at)
			return map[string]float64{domain.KeyFPSApp: v}
		}
		for i := 0; i < 6; i++ {
			if !sleepCtx(ctx, 50*time.Millisecond) {
				return nil
			}
			if v, at, ok := fresh(); ok {
				setPending(at)
				return map[string]float64{domain.KeyFPSApp: v}
			}
		}
		// Estimator stalled between samples; a stale value beats none.
		if v, _, _, ok := c.fpsSrc.Latest(); ok && v >= 0 {
			return map[string]float64{domain.KeyFPSApp: v}
		}
		return nil
	}

	v, produced := c.gfx.Sample(ctx, c.exec, target, nowMs)
	if c.gfx.Disabled() {
		c.log.State(logging.TagWarn+" gfxinfo counter disabled for this session", 30*time.Second)
	}
	if produced {
		return map[string]float64{domain.KeyFPSApp: v}
	}

	if v, at, ok := fresh(); ok {
		setPending(at)
		return map[string]float64{domain.KeyFPSApp: v}
	}
	for i := 0; i < 6; i++ {
		if !sleepCtx(ctx, 50*time.Millisecond) {
			return nil
		}
		if v, at, ok := fresh(); ok {
			setPending(at)
			return map[string]float64{domain.KeyFPSApp: v}
		}
	}
	return nil
}

func (c *Collector) sampleBattery(ctx context.Context) map[string]float64 {
	out, err := c.exec.Exec(ctx, []string{"shell", "dumpsys", "battery"}, dumpsysTimeout, "")
	if err != nil {
		return nil
	}
	return parseBattery(out)
}

func (c *Collector) sampleMem(ctx context.Context) map[string]float64 {
	out, err := c.exec.Exec(ctx, []string{"shell", "cat", "/proc/meminfo"}, cmdTimeout, "")
	if err != nil {
		return nil
	}
	return parseMeminfo(out)
}

func (c *Collector) sampleCPUSys(ctx context.Context, wantTotal, wantFreq bool) map[string]float64 {
	result := make(map[string]float64)

	if wantTotal {
		out, err := c.exec.Exec(ctx, []string{"shell", "head", "-1", "/proc/stat"}, cmdTimeout, "")
		if err == nil {
			line := strings.TrimSpace(out)
			if i := strings.IndexByte(line, '\n'); i >= 0 {
				line = line[:i]
			}
			if total, idle, ok := parseCPUTotalLine(line); ok {
				c.stateMu.Lock()
				if c.cpuTotal.hasPrev {
					dTotal := total - c.cpuTotal.prevTotal
					dIdle := idle - c.cpuTotal.prevIdle
					if dTotal > 0 {
						result[domain.KeyCPUTotal] = clampPct((1.0 - float64(dIdle)/float64(dTotal)) * 100.0)
					}
				}
				c.cpuTotal.prevTotal = total
				c.cpuTotal.prevIdle = idle
				c.cpuTotal.hasPrev = true
				c.stateMu.Unlock()
			}
		}
	}

	if wantFreq {
		// cat with a glob avoids $() substitution trouble under sh -c quoting.
		out, err := c.exec.Exec(ctx,
			[]string{"shell", "cat", "/sys/devices/system/cpu/cpu*/cpufreq/scaling_cur_freq"},
			cmdTimeout, "")
		if err == nil {
			for i, v := range parseCPUFreqs(out) {
				result[fmt.Sprintf("%s%d", domain.KeyPrefixCPUFreq, i)] = v
			}
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

func (c *Collector) sampleNet(ctx context.Context, nowMs int64) map[string]float64 {
	out, err := c.exec.Exec(ctx, []string{"shell", "cat", "/proc/net/dev"}, cmdTimeout, "")
	if err != nil {
		return nil
	}
	rx, tx, ok := parseNetDev(out)
	if !ok {
		return nil
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	var result map[string]float64
	if c.net.hasPrev {
		dtMs := nowMs - c.net.prevAtMs
		if dtMs < 1 {
			dtMs = 1
		}
		dtS := float64(dtMs) / 1000.0
		dRx := rx - c.net.prevRxBytes
		if dRx < 0 {
			dRx = 0
		}
		dTx := tx - c.net.prevTxBytes
		if dTx < 0 {
			dTx = 0
		}
		result = map[string]float64{
			domain.KeyNetRx: (dRx / 1024.0) / dtS * 8.0,
			domain.KeyNetTx: (dTx / 1024.0) / dtS * 8.0,
		}
	}
	c.net.prevRxBytes = rx
	c.net.prevTxBytes = tx
	c.net.prevAtMs = nowMs
	c.net.hasPrev = true
	return result
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
