package domain

import "errors"

// ErrorKind is the closed classification of remote command failures. The
// transport adapter maps raw diagnostic text onto these kinds; everything
// above the transport branches on the kind, never on message text.
type ErrorKind int

const (
	// KindRemoteFailure is any non-zero remote exit not otherwise classified.
	KindRemoteFailure ErrorKind = iota
	// KindTimeout means the call exceeded its deadline.
	KindTimeout
	// KindUnreachable means the transport binary itself could not be invoked.
	KindUnreachable
	// KindNotFound means the referenced remote path does not exist.
	KindNotFound
	// KindPermissionDenied means the remote side refused access to a path.
	KindPermissionDenied
	// KindNotDebuggable means elevated per-package execution was refused
	// because the target is not a debug build.
	KindNotDebuggable
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindNotFound:
		return "not-found"
	case KindPermissionDenied:
		return "permission-denied"
	case KindNotDebuggable:
		return "not-debuggable"
	default:
		return "remote-failure"
	}
}

// RemoteError carries the classified kind, the raw combined stderr/stdout,
// and the literal command line that produced it, to support manual
// troubleshooting from log output alone.
type RemoteError struct {
	Kind ErrorKind
	Msg  string
	Cmd  string
}

func (e *RemoteError) Error() string {
	if e.Cmd == "" {
		return e.Msg
	}
	return e.Msg + "\n\ncommand: " + e.Cmd
}

// KindOf extracts the ErrorKind from err, or KindRemoteFailure when err is
// not a RemoteError.
func KindOf(err error) ErrorKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindRemoteFailure
}

// IsNotFound reports whether err is a remote "path absent" failure.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsPermissionDenied reports whether err is a remote access refusal.
func IsPermissionDenied(err error) bool { return KindOf(err) == KindPermissionDenied }

// IsNotDebuggable reports whether err means run-as refused the target package.
func IsNotDebuggable(err error) bool { return KindOf(err) == KindNotDebuggable }

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }
