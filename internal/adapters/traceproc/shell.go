// Package traceproc locates and drives the Perfetto trace_processor shell on
// the host. Installing the binary is out of scope here; the resolver only
// finds one that already exists.
package traceproc

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/perflab/devicepulse/internal/ports"
)

const queryTimeout = 20 * time.Second

var envKeys = []string{
	"DP_TRACE_PROCESSOR",
	"DP_TRACE_PROCESSOR_SHELL",
	"TRACE_PROCESSOR",
	"TRACE_PROCESSOR_SHELL",
	"PERFETTO_TRACE_PROCESSOR",
	"PERFETTO_TRACE_PROCESSOR_SHELL",
}

func exeNames() []string {
	if runtime.GOOS == "windows" {
		return []string{"trace_processor.exe", "trace_processor_shell.exe"}
	}
	return []string{"trace_processor", "trace_processor_shell"}
}

func platformSubdir() string {
	switch runtime.GOOS {
	case "windows":
		return "win"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "darwin_arm64"
		}
		return "darwin_x86_64"
	default:
		return "linux"
	}
}

func runnable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

// Resolve searches, in order: override env vars, the per-user tools
// directory, and PATH. An empty result means no shell is available and the
// offline frame-rate strategy will stay dark.
func Resolve() string {
	for _, k := range envKeys {
		if p := strings.TrimSpace(os.Getenv(k)); p != "" && runnable(p) {
			return p
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		base := filepath.Join(home, ".devicepulse", "tools", "perfetto", platformSubdir())
		for _, n := range exeNames() {
			if p := filepath.Join(base, n); runnable(p) {
				return p
			}
		}
	}

	for _, n := range exeNames() {
		if p, err := exec.LookPath(n); err == nil {
			return p
		}
	}

	return ""
}

// Shell is a ports.TraceQuerier over a local trace_processor binary.
type Shell struct {
	path string
	run  func(ctx context.Context, name string, args []string) (string, error)
}

var _ ports.TraceQuerier = (*Shell)(nil)

// New wraps a resolved trace_processor path. An empty path yields a shell
// whose queries always fail, which downstream strategies tolerate.
func New(path string) *Shell {
	return &Shell{path: path, run: runHost}
}

// Available reports whether a binary was resolved.
func (s *Shell) Available() bool { return s.path != "" }

// Query runs one SQL statement against tracePath. Older shell builds lack
// the -Q flag; those are retried with the query written to a temp file.
func (s *Shell) Query(ctx context.Context, tracePath, query string) (string, error) {
	if s.path == "" {
		return "", pkgerrors.New("trace_processor is not available")
	}

	out, err := s.run(ctx, s.path, []string{tracePath, "-Q", query})
	if err == nil {
		return out, nil
	}

	lower := strings.ToLower(err.Error())
	if !strings.Contains(lower, "unknown option") && !strings.Contains(lower, "unrecognized") {
		return "", err
	}

	tmp, werr := os.CreateTemp("", "dp_query_*.sql")
	if werr != nil {
		return "", pkgerrors.Wrap(werr, "write query file")
	}
	defer os.Remove(tmp.Name())
	if _, werr = tmp.WriteString(query); werr != nil {
		tmp.Close()
		return "", pkgerrors.Wrap(werr, "write query file")
	}
	tmp.Close()

	return s.run(ctx, s.path, []string{tracePath, "-q", tmp.Name()})
}

func runHost(ctx context.Context, name string, args []string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			return "", pkgerrors.Wrapf(err, "%s failed", filepath.Base(name))
		}
		return "", pkgerrors.New(msg)
	}
	return stdout.String(), nil
}
