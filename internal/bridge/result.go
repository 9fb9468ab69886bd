package bridge

import (
	"errors"
	"fmt"
)

// ErrNotImplemented marks a request name the bridge does not recognize.
var ErrNotImplemented = errors.New("bridge: not implemented")

// Status is the outcome class of a request.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusNotImplemented Status = "notImplemented"
)

// Result answers one Call.
type Result struct {
	Status  Status
	Code    string
	Message string
}

// Err returns nil for success and a descriptive error otherwise.
func (r Result) Err() error {
	switch r.Status {
	case StatusSuccess:
		return nil
	case StatusNotImplemented:
		return fmt.Errorf("%w: %s", ErrNotImplemented, r.Message)
	default:
		return fmt.Errorf("bridge: %s: %s", r.Code, r.Message)
	}
}

func success() Result { return Result{Status: StatusSuccess} }

func notImplemented(method string) Result {
	return Result{Status: StatusNotImplemented, Code: "not_implemented", Message: method}
}

func failure(code, format string, args ...any) Result {
	return Result{Status: StatusError, Code: code, Message: fmt.Sprintf(format, args...)}
}
