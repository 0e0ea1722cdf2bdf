// Package adb runs commands on an Android device through the adb binary and
// maps its failures onto the domain error taxonomy.
package adb

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/perflab/devicepulse/internal/domain"
	"github.com/perflab/devicepulse/internal/ports"
)

// Executor binds the adb binary to a single device serial.
type Executor struct {
	path   string
	serial string
}

var _ ports.RemoteExecutor = (*Executor)(nil)

// NewExecutor creates an executor for one device. path must point at a
// runnable adb binary.
func NewExecutor(path, serial string) *Executor {
	return &Executor{path: path, serial: serial}
}

// Serial returns the bound device serial.
func (e *Executor) Serial() string { return e.serial }

// Exec runs `adb -s <serial> <args...>` under the given timeout.
func (e *Executor) Exec(ctx context.Context, args []string, timeout time.Duration, stdin string) (string, error) {
	full := make([]string, 0, len(args)+2)
	full = append(full, "-s", e.serial)
	full = append(full, args...)
	return run(ctx, e.path, full, timeout, stdin)
}

// RunAs runs args inside pkg's sandbox via `adb shell run-as`.
func (e *Executor) RunAs(ctx context.Context, pkg string, args []string, timeout time.Duration, stdin string) (string, error) {
	full := make([]string, 0, len(args)+3)
	full = append(full, "shell", "run-as", pkg)
	full = append(full, args...)
	return e.Exec(ctx, full, timeout, stdin)
}

// run invokes the adb binary once. Non-zero exits come back as classified
// *domain.RemoteError values carrying the literal command line.
func run(ctx context.Context, path string, args []string, timeout time.Duration, stdin string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, path, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmdline := "adb " + strings.Join(args, " ")

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	if cctx.Err() == context.DeadlineExceeded {
		return "", &domain.RemoteError{Kind: domain.KindTimeout, Msg: "adb call timed out", Cmd: cmdline}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		raw := strings.TrimSpace(stderr.String())
		if raw == "" {
			raw = strings.TrimSpace(stdout.String())
		}
		if raw == "" {
			raw = "adb command failed"
		}
		return "", classify(raw, cmdline)
	}

	return "", &domain.RemoteError{
		Kind: domain.KindUnreachable,
		Msg:  pkgerrors.Wrap(err, "cannot invoke adb").Error(),
		Cmd:  cmdline,
	}
}
