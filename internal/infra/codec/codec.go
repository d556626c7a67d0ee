// Package codec serializes payloads to and from wire bytes, selected by
// message content type.
package codec

import (
	"errors"
	"fmt"
	"mime"
	"strings"
	"sync"
)

// ErrUnsupportedContentType is matched by UnsupportedContentTypeError.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// UnsupportedContentTypeError reports a content type with no registered codec.
type UnsupportedContentTypeError struct {
	ContentType string
}

func (e *UnsupportedContentTypeError) Error() string {
	return fmt.Sprintf("unsupported content type %q", e.ContentType)
}

func (e *UnsupportedContentTypeError) Is(target error) bool {
	return target == ErrUnsupportedContentType
}

// Codec converts application values to and from message bodies.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry is a thread-safe content type → Codec map with a default codec for
// messages that carry no content type.
type Registry struct {
	mu       sync.RWMutex
	codecs   map[string]Codec
	fallback Codec
}

// NewRegistry creates a registry holding the given codecs. The first codec is
// the default.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	for _, c := range codecs {
		r.Register(c)
	}
	return r
}

// NewDefaultRegistry registers the JSON, protobuf and YAML codecs with JSON as
// the default.
func NewDefaultRegistry() *Registry {
	return NewRegistry(JSON{}, Protobuf{}, YAML{})
}

// Register adds c under its content type. The first registered codec becomes
// the default.
func (r *Registry) Register(c Codec) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[normalize(c.ContentType())] = c
	if r.fallback == nil {
		r.fallback = c
	}
}

// Default returns the default codec.
func (r *Registry) Default() Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Lookup returns the codec for contentType. Media type parameters such as
// charset are ignored; an empty content type resolves to the default codec.
func (r *Registry) Lookup(contentType string) (Codec, error) {
	key := normalize(contentType)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if key == "" {
		if r.fallback == nil {
			return nil, &UnsupportedContentTypeError{ContentType: contentType}
		}
		return r.fallback, nil
	}
	c, ok := r.codecs[key]
	if !ok {
		return nil, &UnsupportedContentTypeError{ContentType: contentType}
	}
	return c, nil
}

// Decode unmarshals body into v using the codec for contentType.
func (r *Registry) Decode(contentType string, body []byte, v any) error {
	c, err := r.Lookup(contentType)
	if err != nil {
		return err
	}
	if err := c.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", c.ContentType(), err)
	}
	return nil
}

func normalize(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(contentType)
	}
	return mediaType
}
