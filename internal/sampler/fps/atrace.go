package fps

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// atrace text line shape:
//
//	<process>-<tid> (<tgid>) [<cpu>] .... <timestamp>: <event>
//
// with the (<tgid>) column absent on older kernels.
var traceMarkRE = regexp.MustCompile(
	`(?m)^\s*\S+-\d+\s+(?:\(\s*\d+\s*\)\s+)?\[\d+\]\s+\S+\s+` +
		`(\d+\.\d+):\s+tracing_mark_write:\s+[BC]\|(\d+)\|(.+)`)

var vsyncRE = regexp.MustCompile(
	`(?m)^\s*\S+-\d+\s+(?:\(\s*\d+\s*\)\s+)?\[\d+\]\s+\S+\s+` +
		`(\d+\.\d+):\s+.*\b(?:HW_VSYNC_ON_0|doComposition|postComposition)\b`)

// frameMarkers are tracing_mark_write events that each mark one frame of
// rendering work.
var frameMarkers = map[string]bool{
	"queueBuffer":                 true,
	"eglSwapBuffers":              true,
	"eglSwapBuffersWithDamageKHR": true,
}

// dedupWindowSec collapses events closer together than 2ms, which would
// otherwise double-count a single frame.
const dedupWindowSec = 0.002

// countFrameEvents scans an atrace dump for frame-boundary events newer than
// sinceTs and returns the deduplicated count, the event span, and which
// detection method matched.
func countFrameEvents(dump string, sinceTs float64) (count int, minTs, maxTs float64, method string) {
	var timestamps []float64

	for _, m := range traceMarkRE.FindAllStringSubmatch(dump, -1) {
		ts, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if frameMarkers[strings.TrimSpace(m[3])] && ts > sinceTs {
			timestamps = append(timestamps, ts)
		}
	}

	if len(timestamps) > 0 {
		method = "atrace_marker"
	} else {
		for _, m := range vsyncRE.FindAllStringSubmatch(dump, -1) {
			ts, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			if ts > sinceTs {
				timestamps = append(timestamps, ts)
			}
		}
		if len(timestamps) > 0 {
			method = "atrace_vsync"
		}
	}

	if len(timestamps) == 0 {
		return 0, 0, 0, "no_events"
	}

	sort.Float64s(timestamps)
	deduped := timestamps[:1]
	for _, ts := range timestamps[1:] {
		if ts-deduped[len(deduped)-1] > dedupWindowSec {
			deduped = append(deduped, ts)
		}
	}

	return len(deduped), deduped[0], deduped[len(deduped)-1], method
}
