package errors

import "fmt"

// Kind classifies an error for propagation policy and telemetry.
type Kind string

const (
	KindUserInput           Kind = "UserInput"
	KindAuth                Kind = "Auth"
	KindConfig              Kind = "Config"
	KindBackendTransient    Kind = "BackendTransient"
	KindBackendFatal        Kind = "BackendFatal"
	KindBackendContextLimit Kind = "BackendContextOverflow"
	KindParse               Kind = "Parse"
	KindToolPermission      Kind = "ToolPermission"
	KindToolSchema          Kind = "ToolSchema"
	KindToolExecution       Kind = "ToolExecution"
	KindToolTimeout         Kind = "ToolTimeout"
	KindMcpInit             Kind = "McpInit"
	KindMcpRpc              Kind = "McpRpc"
	KindMcpTimeout          Kind = "McpTimeout"
	KindIo                  Kind = "Io"
	KindCancelled           Kind = "Cancelled"
	KindInternal            Kind = "Internal"
)

// Typed carries a kind, a stable short reason code, and a longer
// human-readable description alongside the underlying error.
type Typed struct {
	Kind       Kind
	Reason     string
	ReasonDesc string
	Err        error
}

func (e *Typed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.ReasonDesc, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.ReasonDesc)
}

func (e *Typed) Unwrap() error { return e.Err }

// Typedf wraps err with a kind and a stable reason code. The description
// is rendered to the user and mirrored into telemetry.
func Typedf(kind Kind, reason string, err error, format string, a ...interface{}) error {
	return &Typed{
		Kind:       kind,
		Reason:     reason,
		ReasonDesc: fmt.Sprintf(format, a...),
		Err:        err,
	}
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var t *Typed
	if As(err, &t) {
		return t.Kind
	}
	return KindInternal
}

// ReasonOf returns the stable reason code of err, or "internal_error".
func ReasonOf(err error) string {
	var t *Typed
	if As(err, &t) {
		return t.Reason
	}
	return "internal_error"
}

// IsTransient reports whether err should be retried by the engine.
func IsTransient(err error) bool {
	return KindOf(err) == KindBackendTransient
}
