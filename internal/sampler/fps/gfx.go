package fps

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/perflab/devicepulse/internal/ports"
)

var (
	gfxTotalRE = regexp.MustCompile(`Total\s+frames\s+rendered:\s*(\d+)`)
	gfxJankyRE = regexp.MustCompile(`Janky\s+frames:\s*(\d+)`)
)

// parseGfxTotals extracts the cumulative rendered and janky frame counters
// from dumpsys gfxinfo output.
func parseGfxTotals(dump string) (total, janky int64, hasTotal bool) {
	if m := gfxTotalRE.FindStringSubmatch(dump); m != nil {
		total, _ = strconv.ParseInt(m[1], 10, 64)
		hasTotal = true
	}
	if m := gfxJankyRE.FindStringSubmatch(dump); m != nil {
		janky, _ = strconv.ParseInt(m[1], 10, 64)
	}
	return total, janky, hasTotal
}

// LegacyCounter estimates FPS by diffing the cumulative dumpsys gfxinfo
// frame counter between cycles. It is only consulted while the streaming
// worker has not started producing, and disables itself for the session
// after three consecutive failures (UE4/Vulkan apps bypass the HW renderer,
// so a dead counter is normal).
type LegacyCounter struct {
	// mu covers the counter state only; the remote poll itself runs
	// unlocked so a stalled device call cannot block readers.
	mu        sync.Mutex
	prevTotal int64
	prevJanky int64
	prevAtMs  int64
	hasPrev   bool

	noFrameStreak int
	failStreak    int
	disabled      bool
}

const legacyFailLimit = 3

// Disabled reports whether the counter gave up for this session.
func (g *LegacyCounter) Disabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabled
}

// Reset clears all per-session state.
func (g *LegacyCounter) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prevTotal = 0
	g.prevJanky = 0
	g.prevAtMs = 0
	g.hasPrev = false
	g.noFrameStreak = 0
	g.failStreak = 0
	g.disabled = false
}

func (g *LegacyCounter) recordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failStreak++
	g.maybeDisable()
}

// Sample polls the counter once and returns an FPS estimate when the
// counter advanced since the previous poll.
func (g *LegacyCounter) Sample(ctx context.Context, exec ports.RemoteExecutor, pkg string, nowMs int64) (float64, bool) {
	if g.Disabled() {
		return 0, false
	}

	out, err := exec.Exec(ctx, []string{"shell", "dumpsys", "gfxinfo", pkg, "framestats"}, 3*time.Second, "")
	if err != nil {
		g.recordFailure()
		return 0, false
	}

	total, janky, hasTotal := parseGfxTotals(out)
	if !hasTotal {
		g.recordFailure()
		return 0, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	var fps float64
	produced := false
	if g.hasPrev {
		dtMs := nowMs - g.prevAtMs
		if dtMs < 1 {
			dtMs = 1
		}
		dTotal := total - g.prevTotal
		if dTotal > 0 {
			g.noFrameStreak = 0
			g.failStreak = 0
			fps = float64(dTotal) * 1000.0 / float64(dtMs)
			if fps < 0 {
				fps = 0
			}
			produced = true
		} else {
			g.noFrameStreak++
			g.failStreak++
		}
	}

	g.prevTotal = total
	g.prevJanky = janky
	g.prevAtMs = nowMs
	g.hasPrev = true

	g.maybeDisable()
	return fps, produced
}

func (g *LegacyCounter) maybeDisable() {
	if g.failStreak >= legacyFailLimit {
		g.disabled = true
	}
}
