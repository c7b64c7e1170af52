package moves

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies move errors for handling
type Kind uint8

const (
	// KindConfiguration errors are raised while building a move; the move is unusable.
	KindConfiguration Kind = iota + 1
	// KindInvariantViolation errors mean the graph state can no longer be
	// trusted; the chain must stop.
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindInvariantViolation:
		return "invariant violation"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error codes
const (
	CodeNoDragging      = "NO_DRAGGING_KERNELS"
	CodeNilKernel       = "NIL_KERNEL"
	CodeBadSteps        = "INVALID_STEPS"
	CodeBadWeight       = "INVALID_WEIGHT"
	CodeNilSource       = "NIL_RANDOM_SOURCE"
	CodeOverlap         = "OVERLAPPING_NODES"
	CodeMissingSnapshot = "MISSING_SNAPSHOT"
	CodeRestoreFailed   = "RESTORE_FAILED"
	CodeSwapFailed      = "SWAP_FAILED"
)

// Error is the structured error returned by move construction and moves.
// Numerical failures are never errors: they are non-computable ratios that
// lead to rejection.
type Error struct {
	Code    string
	Kind    Kind
	Message string
	Context map[string]string
	Cause   error
}

var (
	// ErrConfiguration matches every configuration error via errors.Is
	ErrConfiguration = &Error{Kind: KindConfiguration}
	// ErrInvariantViolation matches every invariant violation via errors.Is
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}
)

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Code != "" {
		sb.WriteString(" [" + e.Code + "]")
	}
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(" " + k + "=" + e.Context[k])
		}
	}
	if e.Cause != nil {
		sb.WriteString(": " + e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error { return e.Cause }

// Is matches errors with the same code. A target without a code matches
// every error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Code == t.Code
}

// WithContext adds a key-value detail and returns the error for chaining
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithCause sets the wrapped error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}
