package transport

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
)

// ErrorFactory returns a fresh, zero error value, normally a pointer, that a
// faulted response body can be decoded into.
type ErrorFactory func() error

// ErrorRegistry maps wire names to error types so faulted RPC responses can be
// rebuilt as the same type on the caller side.
type ErrorRegistry struct {
	mu        sync.RWMutex
	factories map[string]ErrorFactory
	names     map[reflect.Type]string
}

// DefaultErrors is the error registry used when none is configured. The
// library's own remote-safe error types are registered on it.
var DefaultErrors = NewErrorRegistry()

func init() {
	DefaultErrors.Register("RemoteError", func() error { return &errspkg.RemoteError{} })
	DefaultErrors.Register("MessageReturnedError", func() error { return &errspkg.MessageReturnedError{} })
	DefaultErrors.Register("UnresolvedRemoteTypeError", func() error { return &errspkg.UnresolvedRemoteTypeError{} })
}

func NewErrorRegistry() *ErrorRegistry {
	return &ErrorRegistry{
		factories: make(map[string]ErrorFactory),
		names:     make(map[reflect.Type]string),
	}
}

// Register associates name with the type produced by factory.
func (r *ErrorRegistry) Register(name string, factory ErrorFactory) {
	if factory == nil {
		return
	}
	sample := factory()
	if sample == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	r.names[reflect.TypeOf(sample)] = name
}

// New returns a fresh error value for name.
func (r *ErrorRegistry) New(name string) (error, bool) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Describe picks the wire name and body for err. It walks the wrap chain for
// the first registered type. When none is registered the name is the Go type
// of err and the body only carries its message.
func (r *ErrorRegistry) Describe(err error) (name string, body any, registered bool) {
	if err == nil {
		return "", nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if found, match := r.findLocked(err); match != nil {
		return found, match, true
	}
	return fmt.Sprintf("%T", err), &errspkg.RemoteError{Message: err.Error()}, false
}

func (r *ErrorRegistry) findLocked(err error) (string, error) {
	for err != nil {
		if name, ok := r.names[reflect.TypeOf(err)]; ok {
			return name, err
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				if name, match := r.findLocked(inner); match != nil {
					return name, match
				}
			}
			return "", nil
		}
		err = errors.Unwrap(err)
	}
	return "", nil
}

// RegisterError registers an error type on DefaultErrors.
func RegisterError(name string, factory ErrorFactory) {
	DefaultErrors.Register(name, factory)
}
