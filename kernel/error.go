package kernel

import "fmt"

// Error describes a kernel error. Well-known errors are defined as global
// variables that are pointers to the Error structure so callers can compare
// them by identity. Errors that need to carry runtime details (e.g. a
// firmware status or an offending address) are built with Errorf.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Errorf returns a new Error for module whose message is built from format
// and args in the manner of fmt.Sprintf.
func Errorf(module, format string, args ...interface{}) *Error {
	return &Error{Module: module, Message: fmt.Sprintf(format, args...)}
}
