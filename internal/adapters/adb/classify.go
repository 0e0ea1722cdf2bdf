package adb

import (
	"strings"

	"github.com/perflab/devicepulse/internal/domain"
)

// classify maps raw adb diagnostic text onto the closed ErrorKind set. This
// is the only place in the repo that inspects failure message substrings;
// callers branch on the resulting kind.
//
// Observed device messages:
//   - "cat: /sdcard/...: No such file or directory"   -> NotFound
//   - "run-as: ... not found"                         -> NotFound
//   - "sh: can't create ...: Permission denied"       -> PermissionDenied
//   - "open() failed: ... (errno: 13)"                -> PermissionDenied
//   - "run-as: package not debuggable: com.x"         -> NotDebuggable
func classify(raw, cmdline string) *domain.RemoteError {
	kind := domain.KindRemoteFailure
	lower := strings.ToLower(raw)

	switch {
	case strings.Contains(lower, "not debuggable"),
		strings.Contains(lower, "run-as") && strings.Contains(lower, "debug") && strings.Contains(lower, "not"):
		kind = domain.KindNotDebuggable
	case strings.Contains(raw, "No such file or directory"),
		strings.Contains(lower, "not found"):
		kind = domain.KindNotFound
	case strings.Contains(raw, "Permission denied"),
		strings.Contains(raw, "errno: 13"):
		kind = domain.KindPermissionDenied
	}

	return &domain.RemoteError{Kind: kind, Msg: raw, Cmd: cmdline}
}
