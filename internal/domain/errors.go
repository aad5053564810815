package domain

import "fmt"

// Sentinel errors for the domain layer. The results spool has its own tagged
// error type; these cover everything around it.
var (
	ErrNotFound          = fmt.Errorf("not found")
	ErrLimitReached      = fmt.Errorf("limit reached")
	ErrInvalidInput      = fmt.Errorf("invalid input")
	ErrModuleNotFound    = fmt.Errorf("module not found")
	ErrActionNotFound    = fmt.Errorf("action not found")
	ErrBrokerUnavailable = fmt.Errorf("broker unavailable")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Executor.RunDetached")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
