package automation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation matches every rejection raised by the validator.
	ErrValidation = errors.New("invalid rule set")
	// ErrVersionConflict matches writes made against a stale version.
	ErrVersionConflict = errors.New("version conflict")
)

// ValidationError names the first offending rule or snippet.
type ValidationError struct {
	RuleID  string
	Snippet string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	switch {
	case e.RuleID != "":
		fmt.Fprintf(&b, "rule %q", e.RuleID)
	case e.Snippet != "":
		fmt.Fprintf(&b, "snippet %q", e.Snippet)
	default:
		b.WriteString("rule set")
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)
	return b.String()
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// SnippetReferenceError is the validation failure raised when a notify action
// references a snippet that does not exist.
type SnippetReferenceError struct {
	ValidationError
	Missing string
}

func newSnippetReferenceError(ruleID, name string) *SnippetReferenceError {
	return &SnippetReferenceError{
		ValidationError: ValidationError{
			RuleID: ruleID,
			Field:  "action.snippet",
			Reason: fmt.Sprintf("snippet %q does not exist", name),
		},
		Missing: name,
	}
}

// As lets errors.As(err, **ValidationError) see through the wrapper.
func (e *SnippetReferenceError) As(target any) bool {
	if v, ok := target.(**ValidationError); ok {
		*v = &e.ValidationError
		return true
	}
	return false
}

// VersionConflictError rejects a write whose expected version is stale.
type VersionConflictError struct {
	Scope    string
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for scope %q: expected %d, current %d", e.Scope, e.Expected, e.Current)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// ActionExecutionError records a failed dispatch. It is never returned to
// writers; it lands in the rule's status.
type ActionExecutionError struct {
	RuleID string
	Action string
	Err    error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("rule %q: %s action failed: %v", e.RuleID, e.Action, e.Err)
}

func (e *ActionExecutionError) Unwrap() error {
	return e.Err
}
