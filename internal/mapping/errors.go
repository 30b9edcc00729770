package mapping

import (
	"fmt"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Error codes for profile loading and validation.
const (
	ErrCodeGeneric     = "M001" // generic/unknown error
	ErrCodeScanError   = "M002" // directory scan error
	ErrCodeNoFiles     = "M003" // no CUE files found
	ErrCodeLoadFailed  = "M004" // CUE load failed
	ErrCodeNotFound    = "M005" // path not found
	ErrCodeBuildFailed = "M006" // CUE build failed

	ErrCodeMissingRemoteModel = "M101" // remote_model is required
	ErrCodeNoFields           = "M102" // profile needs at least one field
	ErrCodeInvalidField       = "M103" // malformed field declaration
	ErrCodeDuplicateRemote    = "M104" // two fields map to one remote name
	ErrCodeInvalidName        = "M105" // bad module/entity key
)

// CompileError is a positioned error from compiling one profile value.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError wraps a raw CUE error, keeping its position when available.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	ce := &CompileError{
		Field:   "cue",
		Message: errors.Details(err, nil),
	}
	if positions := errors.Positions(errors.Promote(err, "")); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}

// ValidationError is one schema-level finding on a compiled profile.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}
