package reply

import (
	"fmt"
	"reflect"
)

// RemoteException describes the root cause of a failed invocation in a form
// every codec can carry.
type RemoteException struct {
	Type    string `json:"type"    yaml:"type"`
	Message string `json:"message" yaml:"message"`
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Type, e.Message)
}

// RemoteInvocationResult is the body of an error reply. Value holds the type
// name of the exception.
type RemoteInvocationResult struct {
	Exception *RemoteException `json:"exception,omitempty" yaml:"exception,omitempty"`
	Value     any              `json:"value,omitempty"     yaml:"value,omitempty"`
}

// NewErrorResult wraps root into a result whose value is root's type name.
func NewErrorResult(root error) RemoteInvocationResult {
	if root == nil {
		return RemoteInvocationResult{}
	}
	name := TypeName(root)
	return RemoteInvocationResult{
		Exception: &RemoteException{Type: name, Message: root.Error()},
		Value:     name,
	}
}

// TypeName returns the Go type name of err, e.g. "*fs.PathError".
func TypeName(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "<nil>"
	}
	return t.String()
}

// RootCause follows the Unwrap chain to its end. For joined errors the first
// branch is followed.
func RootCause(err error) error {
	for err != nil {
		var next error
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			next = u.Unwrap()
		case interface{ Unwrap() []error }:
			if errs := u.Unwrap(); len(errs) > 0 {
				next = errs[0]
			}
		}
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}
