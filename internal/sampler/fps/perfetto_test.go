package fps

import (
	"context"
	"strings"
	"testing"

	pkgerrors "github.com/pkg/errors"

	"github.com/perflab/devicepulse/internal/domain"
)

// fakeQuerier answers trace queries from a script keyed on query substrings,
// in order of registration.
type fakeQuerier struct {
	rules   []queryRule
	queries []string
}

type queryRule struct {
	contains string
	out      string
	err      error
}

func (f *fakeQuerier) Query(_ context.Context, _ string, query string) (string, error) {
	f.queries = append(f.queries, query)
	for _, r := range f.rules {
		if strings.Contains(query, r.contains) {
			return r.out, r.err
		}
	}
	return "", pkgerrors.New("unexpected query: " + query)
}

const tableInfoWithLayer = `cid|name|type|notnull|dflt_value|pk
0|id|INT|0||0
1|ts|BIGINT|0||0
2|dur|BIGINT|0||0
3|layer_name|STRING|0||0
`

func TestFpsFromTracePrefersExactLayerMatch(t *testing.T) {
	tq := &fakeQuerier{rules: []queryRule{
		{contains: "sqlite_master", out: "name\nexpected_frame_timeline_slice\nactual_frame_timeline_slice\n"},
		{contains: "pragma table_info", out: tableInfoWithLayer},
		{contains: "layer_name = 'SurfaceView - com.x/com.x.Main#0'", out: "90|1000000000|2500000000\n"},
	}}

	fps, detail, ok := fpsFromTrace(context.Background(), tq, "/tmp/t", "com.x", 1500,
		"", []string{"SurfaceView - com.x/com.x.Main#0", "com.x"})
	if !ok {
		t.Fatalf("not ok: %s", detail)
	}
	// 90 frames over 1.5s.
	if fps < 59.9 || fps > 60.1 {
		t.Fatalf("fps = %v", fps)
	}
	if !strings.Contains(detail, "actual_frame_timeline_slice") {
		t.Fatalf("table preference lost: %s", detail)
	}
	if !strings.Contains(detail, "layer_eq=") {
		t.Fatalf("expected exact filter, detail: %s", detail)
	}
}

func TestFpsFromTraceFallsThroughToLikeFilter(t *testing.T) {
	tq := &fakeQuerier{rules: []queryRule{
		{contains: "sqlite_master", out: "actual_frame_timeline_slice\n"},
		{contains: "pragma table_info", out: tableInfoWithLayer},
		{contains: "layer_name = ", out: "0|0|0\n"},
		{contains: "layer_name like '%com.x%'", out: "45|2000000000|3000000000\n"},
		{contains: "layer_name like ", out: "0|0|0\n"},
	}}

	fps, detail, ok := fpsFromTrace(context.Background(), tq, "/tmp/t", "com.x", 1500,
		"", []string{"SurfaceView - nomatch#0", "com.x"})
	if !ok {
		t.Fatalf("not ok: %s", detail)
	}
	if fps < 44.9 || fps > 45.1 {
		t.Fatalf("fps = %v", fps)
	}
}

func TestFpsFromTraceReportsUnfilteredDiagnostic(t *testing.T) {
	tq := &fakeQuerier{rules: []queryRule{
		{contains: "sqlite_master", out: "actual_frame_timeline_slice\n"},
		{contains: "pragma table_info", out: tableInfoWithLayer},
		{contains: "from actual_frame_timeline_slice where", out: "0|0|0\n"},
		{contains: "from actual_frame_timeline_slice;", out: "0|0|0\n"},
	}}

	_, detail, ok := fpsFromTrace(context.Background(), tq, "/tmp/t", "com.x", 1500, "", []string{"com.x"})
	if ok {
		t.Fatal("zero frames everywhere must not produce")
	}
	if !strings.Contains(detail, "unfiltered total=0") {
		t.Fatalf("diagnostic missing unfiltered count: %s", detail)
	}
}

func TestFpsFromTraceSliceFallback(t *testing.T) {
	tq := &fakeQuerier{rules: []queryRule{
		{contains: "'%frame%timeline%'", out: "\n"},
		{contains: "name='slice'", out: "1\n"},
		{contains: "'Choreographer#doFrame'", out: "0|0|0\n"},
		{contains: "'DrawFrame'", out: "30|1000000000|2000000000\n"},
	}}

	fps, detail, ok := fpsFromTrace(context.Background(), tq, "/tmp/t", "com.x", 1500, "", nil)
	if !ok {
		t.Fatalf("not ok: %s", detail)
	}
	if fps < 29.9 || fps > 30.1 {
		t.Fatalf("fps = %v", fps)
	}
	if !strings.Contains(detail, "marker=DrawFrame") {
		t.Fatalf("detail: %s", detail)
	}
}

func TestFpsFromTraceSliceFallbackSkipsSingletons(t *testing.T) {
	tq := &fakeQuerier{rules: []queryRule{
		{contains: "'%frame%timeline%'", out: "\n"},
		{contains: "name='slice'", out: "1\n"},
		{contains: "from slice", out: "1|5|5\n"},
	}}

	_, _, ok := fpsFromTrace(context.Background(), tq, "/tmp/t", "com.x", 1500, "", nil)
	if ok {
		t.Fatal("a single marker occurrence is not a frame rate")
	}
}

func TestCaptureConfigEnforcesMinimumDuration(t *testing.T) {
	cfg := captureConfig(100)
	if !strings.Contains(cfg, "duration_ms: 800") {
		t.Fatalf("short captures must be stretched to the minimum:\n%s", cfg)
	}
	if !strings.Contains(cfg, "fill_policy: RING_BUFFER") || !strings.Contains(cfg, "size_kb: 32768") {
		t.Fatalf("buffer config lost:\n%s", cfg)
	}
	if !strings.Contains(cfg, "android.surfaceflinger.frametimeline") {
		t.Fatalf("frame timeline source missing:\n%s", cfg)
	}
}

func TestCaptureRetriesIntoFallbackDirOnPermissionDenied(t *testing.T) {
	const remoteOut = "/data/local/tmp/dp_ft_SER1.perfetto-trace"
	const altOut = "/data/misc/perfetto-traces/dp_ft_SER1.perfetto-trace"

	var altCaptured, copiedBack bool
	exec := &scriptedExec{}
	exec.respond = func(args []string) (string, error) {
		joined := strings.Join(args, " ")
		switch {
		case strings.Contains(joined, "getprop"):
			return "1", nil
		case len(args) >= 2 && args[1] == "rm":
			return "", nil
		case len(args) >= 4 && args[1] == "cp":
			copiedBack = args[2] == altOut && args[3] == remoteOut
			return "", nil
		case strings.Contains(joined, altOut):
			altCaptured = true
			return "", nil
		case strings.Contains(joined, remoteOut):
			return "", &domain.RemoteError{Kind: domain.KindPermissionDenied, Msg: "failed to open " + remoteOut + ": Permission denied"}
		}
		return "", nil
	}

	if err := captureFrameTimeline(context.Background(), exec, "SER1", remoteOut, 1000); err != nil {
		t.Fatalf("capture must succeed through the fallback dir: %v", err)
	}
	if !altCaptured {
		t.Fatal("refused output path must retry into the system trace dir")
	}
	if !copiedBack {
		t.Fatal("fallback capture must be copied back to the requested path")
	}
}

func TestCaptureSymlinksFallbackWhenCopyFails(t *testing.T) {
	const remoteOut = "/data/local/tmp/dp_ft_SER1.perfetto-trace"
	const altOut = "/data/misc/perfetto-traces/dp_ft_SER1.perfetto-trace"

	var linked bool
	exec := &scriptedExec{}
	exec.respond = func(args []string) (string, error) {
		joined := strings.Join(args, " ")
		switch {
		case strings.Contains(joined, "getprop"):
			return "1", nil
		case len(args) >= 2 && args[1] == "rm":
			return "", nil
		case len(args) >= 4 && args[1] == "cp":
			return "", &domain.RemoteError{Kind: domain.KindPermissionDenied, Msg: "cp: " + remoteOut + ": Permission denied"}
		case len(args) >= 4 && args[1] == "ln":
			linked = args[2] == "-sf" && args[3] == altOut
			return "", nil
		case strings.Contains(joined, altOut):
			return "", nil
		case strings.Contains(joined, remoteOut):
			return "", &domain.RemoteError{Kind: domain.KindPermissionDenied, Msg: "Permission denied"}
		}
		return "", nil
	}

	if err := captureFrameTimeline(context.Background(), exec, "SER1", remoteOut, 1000); err != nil {
		t.Fatalf("capture must still succeed via symlink: %v", err)
	}
	if !linked {
		t.Fatal("failed copy-back must fall through to ln -sf")
	}
}
