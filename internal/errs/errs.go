// Package errs defines the error kinds surfaced to operators.
//
// Packages wrap these sentinels with fmt.Errorf("...: %w", ...); the
// service boundary maps a chain back to its kind with KindOf.
package errs

import "errors"

var (
	ErrAlreadyRunning   = errors.New("already running")
	ErrNotRunning       = errors.New("not running")
	ErrNoData           = errors.New("no data")
	ErrSchema           = errors.New("schema error")
	ErrEmptyInput       = errors.New("empty input")
	ErrInsufficientData = errors.New("insufficient data")
	ErrMissingLabel     = errors.New("missing label")
	ErrModelNotTrained  = errors.New("model not trained")
	ErrUnknownUser      = errors.New("unknown user")
	ErrConflict         = errors.New("conflict")
	ErrIO               = errors.New("io error")
	ErrCompute          = errors.New("compute error")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrAlreadyRunning, "AlreadyRunning"},
	{ErrNotRunning, "NotRunning"},
	{ErrNoData, "NoData"},
	{ErrSchema, "SchemaError"},
	{ErrEmptyInput, "EmptyInput"},
	{ErrInsufficientData, "InsufficientData"},
	{ErrMissingLabel, "MissingLabel"},
	{ErrModelNotTrained, "ModelNotTrained"},
	{ErrUnknownUser, "UnknownUser"},
	{ErrConflict, "Conflict"},
	{ErrIO, "IOError"},
	{ErrCompute, "ComputeError"},
	{ErrInvalidArgument, "InvalidArgument"},
	{ErrNotFound, "NotFound"},
}

// KindOf returns the kind name of the first sentinel found in err's chain,
// "Internal" for unclassified errors and "" for nil.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// IO wraps err as an IOError while keeping the original in the chain.
func IO(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrIO, err: err}
}

// Compute wraps err as a ComputeError while keeping the original in the chain.
func Compute(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrCompute, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string   { return e.err.Error() }
func (e *kindError) Unwrap() []error { return []error{e.err, e.kind} }
