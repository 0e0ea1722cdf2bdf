package fps

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/perflab/devicepulse/internal/adapters/adb"
	"github.com/perflab/devicepulse/internal/domain"
	"github.com/perflab/devicepulse/internal/ports"
)

const (
	minCaptureMs     = 800
	fallbackTraceDir = "/data/misc/perfetto-traces"
)

// captureConfig renders the perfetto textproto config for a short frame
// timeline window.
func captureConfig(durationMs int) string {
	if durationMs < minCaptureMs {
		durationMs = minCaptureMs
	}
	writePeriod := durationMs / 2
	if writePeriod < 500 {
		writePeriod = 500
	}
	return "buffers: {\n" +
		"  size_kb: 32768\n" +
		"  fill_policy: RING_BUFFER\n" +
		"}\n" +
		"data_sources: {\n" +
		"  config {\n" +
		"    name: \"android.surfaceflinger.frametimeline\"\n" +
		"  }\n" +
		"}\n" +
		"data_sources: {\n" +
		"  config {\n" +
		"    name: \"android.surfaceflinger.frame\"\n" +
		"  }\n" +
		"}\n" +
		"data_sources: {\n" +
		"  config {\n" +
		"    name: \"linux.ftrace\"\n" +
		"    ftrace_config {\n" +
		"      atrace_categories: \"view\"\n" +
		"      atrace_categories: \"gfx\"\n" +
		"    }\n" +
		"  }\n" +
		"}\n" +
		fmt.Sprintf("duration_ms: %d\n", durationMs) +
		"write_into_file: true\n" +
		"flush_period_ms: 500\n" +
		fmt.Sprintf("file_write_period_ms: %d\n", writePeriod)
}

// removeRemoteFile deletes a device file, ignoring failure. Postcondition:
// the path is gone if the shell could remove it; a leftover stale file is
// tolerated downstream because captures overwrite it.
func removeRemoteFile(ctx context.Context, exec ports.RemoteExecutor, path string) {
	_, _ = exec.Exec(ctx, []string{"shell", "rm", "-f", path}, 3*time.Second, "")
}

// ensureTracedEnabled turns the perfetto daemon on if it is off. Failure is
// ignored; capture simply fails later and the strategy demotes.
func ensureTracedEnabled(ctx context.Context, exec ports.RemoteExecutor) {
	out, err := exec.Exec(ctx, []string{"shell", "getprop", "persist.traced.enable"}, 3*time.Second, "")
	if err != nil || strings.TrimSpace(out) == "1" {
		return
	}
	_, _ = exec.Exec(ctx, []string{"shell", "setprop", "persist.traced.enable", "1"}, 3*time.Second, "")
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
	}
}

// captureFrameTimeline records a short trace into remoteOut on the device,
// trying the standalone perfetto binary then the cmd wrapper. When the
// primary output path is refused, the capture retries into the system trace
// directory and copies the file back.
func captureFrameTimeline(ctx context.Context, exec ports.RemoteExecutor, serial, remoteOut string, durationMs int) error {
	if durationMs < minCaptureMs {
		durationMs = minCaptureMs
	}
	cfg := captureConfig(durationMs)
	timeout := time.Duration(durationMs)*time.Millisecond + 10*time.Second

	removeRemoteFile(ctx, exec, remoteOut)
	ensureTracedEnabled(ctx, exec)

	invocations := []string{
		"perfetto --txt -c - -o " + adb.ShellSingleQuote(remoteOut),
		"cmd perfetto --txt -c - -o " + adb.ShellSingleQuote(remoteOut),
	}

	var lastErr error
	for _, inv := range invocations {
		_, err := exec.Exec(ctx, []string{"shell", "sh", "-c", adb.ShellDoubleQuote(inv)}, timeout, cfg)
		if err == nil {
			return nil
		}
		lastErr = err

		if domain.IsPermissionDenied(err) {
			alt := fallbackTraceDir + "/dp_ft_" + safeSerial(serial) + ".perfetto-trace"
			removeRemoteFile(ctx, exec, alt)
			altInv := strings.ReplaceAll(inv, adb.ShellSingleQuote(remoteOut), adb.ShellSingleQuote(alt))
			if _, err2 := exec.Exec(ctx, []string{"shell", "sh", "-c", adb.ShellDoubleQuote(altInv)}, timeout, cfg); err2 == nil {
				if _, cpErr := exec.Exec(ctx, []string{"shell", "cp", alt, remoteOut}, 5*time.Second, ""); cpErr != nil {
					_, _ = exec.Exec(ctx, []string{"shell", "ln", "-sf", alt, remoteOut}, 3*time.Second, "")
				}
				return nil
			} else {
				lastErr = err2
			}
			break
		}
		if !domain.IsNotFound(err) {
			break
		}
	}

	return lastErr
}

func safeSerial(serial string) string {
	r := strings.NewReplacer(":", "_", "/", "_")
	return r.Replace(serial)
}

var (
	statsTripleRE = regexp.MustCompile(`(\d+)\|(\d+)\|(\d+)`)
	digitsRE      = regexp.MustCompile(`^\d+$`)
)

// sliceMarkers are well-known per-frame slice names scanned when no frame
// timeline table exists in the trace.
var sliceMarkers = []string{
	"Choreographer#doFrame",
	"DrawFrame",
	"doFrame",
	"queueBuffer",
	"HIDL::IComposerClient::executeCommands_2_2",
}

// preferredTables names frame timeline tables from most to least specific.
var preferredTables = []string{
	"actual_frame_timeline_slice",
	"frame_timeline_slice",
	"android_frame_timeline_slice",
	"expected_frame_timeline_slice",
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// cleanOutputLines splits tabular trace_processor output into trimmed,
// unquoted, non-header lines.
func cleanOutputLines(out string) []string {
	var lines []string
	for _, raw := range strings.Split(out, "\n") {
		ln := strings.Trim(strings.TrimSpace(raw), `"'`)
		if ln == "" || strings.EqualFold(ln, "name") || strings.HasPrefix(ln, "-") {
			continue
		}
		lines = append(lines, ln)
	}
	return lines
}

// queryStats runs a count/min/max query and parses the piped triple.
func queryStats(ctx context.Context, tq ports.TraceQuerier, trace, table, whereSQL string, hasTS bool) (cnt, minTs, maxTs int64, ok bool) {
	var q string
	if hasTS {
		q = "select printf('%d|%d|%d', count(*), min(ts), max(ts)) from " + table + whereSQL + ";"
	} else {
		q = "select printf('%d|0|0', count(*)) from " + table + whereSQL + ";"
	}
	out, err := tq.Query(ctx, trace, q)
	if err != nil {
		return 0, 0, 0, false
	}
	m := statsTripleRE.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, 0, false
	}
	cnt, _ = strconv.ParseInt(m[1], 10, 64)
	minTs, _ = strconv.ParseInt(m[2], 10, 64)
	maxTs, _ = strconv.ParseInt(m[3], 10, 64)
	return cnt, minTs, maxTs, true
}

// sliceFPS computes FPS from the generic slice table when no frame timeline
// table is present, scanning a fixed list of well-known per-frame markers.
func sliceFPS(ctx context.Context, tq ports.TraceQuerier, trace string, durationMs int) (float64, string, bool) {
	out, err := tq.Query(ctx, trace,
		"select count(*) from sqlite_master where type='table' and name='slice';")
	if err != nil {
		return 0, "slice table lookup failed", false
	}
	for _, ln := range cleanOutputLines(out) {
		if digitsRE.MatchString(ln) {
			if n, _ := strconv.Atoi(ln); n == 0 {
				return 0, "slice table missing", false
			}
			break
		}
	}

	for _, marker := range sliceMarkers {
		q := "select printf('%d|%d|%d', count(*), min(ts), max(ts)) from slice where name = " +
			sqlQuote(marker) + ";"
		out, err := tq.Query(ctx, trace, q)
		if err != nil {
			continue
		}
		m := statsTripleRE.FindStringSubmatch(out)
		if m == nil {
			continue
		}
		cnt, _ := strconv.ParseInt(m[1], 10, 64)
		minTs, _ := strconv.ParseInt(m[2], 10, 64)
		maxTs, _ := strconv.ParseInt(m[3], 10, 64)
		if cnt <= 1 {
			continue
		}

		spanS := 0.0
		if maxTs > minTs {
			spanS = float64(maxTs-minTs) / 1e9
		}
		var fps float64
		if spanS > 0 {
			fps = float64(cnt) / spanS
		} else {
			fps = float64(cnt) * 1000.0 / float64(maxInt(1, durationMs))
		}
		detail := fmt.Sprintf("slice marker=%s count=%d spanS=%.2f", marker, cnt, spanS)
		return fps, detail, true
	}

	return 0, "no recognizable frame marker in slice table", false
}

type timelineFilter struct {
	whereSQL string
	human    string
}

// buildFilters ranks layer-name filters from most to least specific: exact
// match per candidate, substring per candidate, substring on the target
// package, then unfiltered as last resort.
func buildFilters(cols map[string]bool, layerHint string, layerCandidates []string, targetPkg string) []timelineFilter {
	var filters []timelineFilter

	if cols["layer_name"] {
		var cands []string
		seen := map[string]bool{}
		for _, x := range append([]string{layerHint}, layerCandidates...) {
			s := strings.TrimSpace(x)
			if s != "" && !seen[s] {
				seen[s] = true
				cands = append(cands, s)
			}
		}
		if len(cands) > 10 {
			cands = cands[:10]
		}

		for _, c := range cands {
			filters = append(filters, timelineFilter{
				whereSQL: " where layer_name = " + sqlQuote(c),
				human:    "layer_eq=" + c,
			})
		}
		for _, c := range cands {
			filters = append(filters, timelineFilter{
				whereSQL: " where layer_name like " + sqlQuote("%"+c+"%"),
				human:    "layer_like=" + c,
			})
		}
		if targetPkg != "" {
			filters = append(filters, timelineFilter{
				whereSQL: " where layer_name like " + sqlQuote("%"+targetPkg+"%"),
				human:    "pkg_like=" + targetPkg,
			})
		}
	} else if cols["name"] && targetPkg != "" {
		filters = append(filters, timelineFilter{
			whereSQL: " where name like " + sqlQuote("%"+targetPkg+"%"),
			human:    "name_like=" + targetPkg,
		})
	}

	filters = append(filters, timelineFilter{whereSQL: "", human: "unfiltered"})
	return filters
}

// fpsFromTrace analyzes a pulled trace file: it picks the most specific
// frame timeline table available, tries ranked layer filters until one
// yields frames, and falls back to generic slice scanning when no timeline
// table exists. ok=false returns carry a diagnostic detail.
func fpsFromTrace(ctx context.Context, tq ports.TraceQuerier, trace, targetPkg string, durationMs int, layerHint string, layerCandidates []string) (float64, string, bool) {
	out, err := tq.Query(ctx, trace,
		"select name from sqlite_master "+
			"where (type='table' or type='view') and "+
			"(name like '%frame%timeline%' or name like '%frame_slice%' or name like '%android_frames%');")
	if err != nil {
		return 0, "trace query failed: " + err.Error(), false
	}

	tables := cleanOutputLines(out)
	if len(tables) == 0 {
		if fps, detail, ok := sliceFPS(ctx, tq, trace, durationMs); ok {
			return fps, detail, true
		}
		return 0, "no frame timeline table in trace (data source inactive or unsupported)", false
	}

	table := tables[0]
	for _, p := range preferredTables {
		if containsString(tables, p) {
			table = p
			break
		}
	}

	colsOut, err := tq.Query(ctx, trace, "pragma table_info("+table+");")
	if err != nil {
		return 0, "table_info query failed: " + err.Error(), false
	}
	cols := map[string]bool{}
	for _, ln := range strings.Split(colsOut, "\n") {
		parts := strings.Split(ln, "|")
		if len(parts) >= 2 {
			name := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
			if name != "" && !strings.EqualFold(name, "name") {
				cols[name] = true
			}
		}
	}
	hasTS := cols["ts"]
	filters := buildFilters(cols, layerHint, layerCandidates, strings.TrimSpace(targetPkg))

	var unfilteredCount int64 = -1
	for _, f := range filters {
		cnt, minTs, maxTs, ok := queryStats(ctx, tq, trace, table, f.whereSQL, hasTS)
		if !ok {
			continue
		}
		if f.whereSQL == "" {
			unfilteredCount = cnt
		}
		if cnt <= 0 {
			continue
		}

		spanS := 0.0
		if maxTs > minTs && minTs > 0 {
			spanS = float64(maxTs-minTs) / 1e9
		}
		if spanS > 0 {
			fps := float64(cnt) / spanS
			detail := fmt.Sprintf("table=%s filter=%s count=%d spanMs=%d", table, f.human, cnt, int64(spanS*1000))
			return fps, detail, true
		}
		fps := float64(cnt) * 1000.0 / float64(maxInt(1, durationMs))
		detail := fmt.Sprintf("table=%s filter=%s count=%d durMs=%d", table, f.human, cnt, durationMs)
		return fps, detail, true
	}

	if unfilteredCount >= 0 {
		return 0, fmt.Sprintf("frame timeline count is 0 (unfiltered total=%d)", unfilteredCount), false
	}
	return 0, "frame timeline stats unavailable", false
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
