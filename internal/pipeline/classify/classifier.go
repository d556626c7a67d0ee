// Package classify decides which handler errors are transient and worth
// retrying.
package classify

import (
	"reflect"
	"sync"
)

// Classifier maps error types to a retry-eligibility flag.
//
// Classification is by exact dynamic type. An error that wraps a registered
// type is not accepted unless its own type is registered too, and types
// that were never registered are rejected.
type Classifier struct {
	mu    sync.RWMutex
	types map[reflect.Type]bool
}

// New creates an empty classifier that rejects every error.
func New() *Classifier {
	return &Classifier{types: make(map[reflect.Type]bool)}
}

// Accept registers the dynamic type of each sample as retryable. Samples are
// usually typed nil pointers, e.g. Accept((*fs.PathError)(nil)). An untyped
// nil sample is ignored.
func (c *Classifier) Accept(samples ...error) *Classifier {
	for _, sample := range samples {
		c.AcceptType(reflect.TypeOf(sample))
	}
	return c
}

// AcceptType registers t as retryable.
func (c *Classifier) AcceptType(t reflect.Type) *Classifier {
	if t == nil {
		return c
	}
	c.mu.Lock()
	if c.types == nil {
		c.types = make(map[reflect.Type]bool)
	}
	c.types[t] = true
	c.mu.Unlock()
	return c
}

// Classify reports whether err's exact dynamic type was accepted.
func (c *Classifier) Classify(err error) bool {
	if c == nil || err == nil {
		return false
	}
	c.mu.RLock()
	accepted := c.types[reflect.TypeOf(err)]
	c.mu.RUnlock()
	return accepted
}

// AsMap returns a copy of the classification table.
func (c *Classifier) AsMap() map[reflect.Type]bool {
	out := make(map[reflect.Type]bool)
	if c == nil {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for t, v := range c.types {
		out[t] = v
	}
	return out
}
