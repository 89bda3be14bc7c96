// Package qaerrors defines the error taxonomy shared by every storyqa stage.
//
// Each error carries a Kind whose String form is stable and safe to expose to
// callers (HTTP responses, CLI output, MCP tool results).
package qaerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the stage and recovery policy it belongs to.
type Kind int8

const (
	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindValidation is malformed input to a stage. Never retried.
	KindValidation
	// KindTransientAPI is an embedding or generation provider failure that
	// survived the retry budget.
	KindTransientAPI
	// KindVectorStore is a query or upsert failure in the vector store.
	KindVectorStore
	// KindGeneration means the generation stage exhausted retries or returned nothing usable.
	KindGeneration
	// KindFormat means generation output could not be parsed or repaired.
	KindFormat
	// KindIntegration is a work-tracker operation that failed after retries.
	KindIntegration
	// KindConfiguration is a missing or invalid required setting.
	KindConfiguration
)

// String returns the stable kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindTransientAPI:
		return "TransientAPIError"
	case KindVectorStore:
		return "VectorStoreError"
	case KindGeneration:
		return "GenerationError"
	case KindFormat:
		return "FormatError"
	case KindIntegration:
		return "IntegrationError"
	case KindConfiguration:
		return "ConfigurationError"
	default:
		return "UnknownError"
	}
}

// Error is a classified failure. Op names the operation that failed, e.g.
// "embedding.embed_batch" or "devops.create_test_case".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindUnknown.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Validation is shorthand for a KindValidation error.
func Validation(op, format string, args ...any) *Error {
	return Errorf(KindValidation, op, format, args...)
}
