package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sort"

	jsoniter "github.com/json-iterator/go"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Builder collects registrations. It is not safe for concurrent use.
type Builder struct {
	codec   jsoniter.API
	entries []*Descriptor
}

// Option configures a Builder.
type Option func(*Builder)

// WithCodec overrides DefaultCodec.
func WithCodec(api jsoniter.API) Option {
	return func(b *Builder) {
		if api != nil {
			b.codec = api
		}
	}
}

// NewBuilder returns an empty Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{codec: DefaultCodec}
	for _, o := range opts {
		o(b)
	}

	return b
}

// Register adds E under its type name.
func Register[E cbus.IntegrationEvent](b *Builder) *Builder {
	t := reflect.TypeFor[E]()
	return b.add(TypeName(t), t)
}

// RegisterAs adds E under an explicit routing key.
func RegisterAs[E cbus.IntegrationEvent](b *Builder, key string) *Builder {
	return b.add(key, reflect.TypeFor[E]())
}

func (b *Builder) add(key string, t reflect.Type) *Builder {
	b.entries = append(b.entries, &Descriptor{Key: key, Type: t, codec: b.codec})
	return b
}

// Build validates the registrations and freezes them.
// Empty keys, interface types and duplicates of either key or type are rejected.
func (b *Builder) Build() (*Registry, error) {
	r := &Registry{
		byKey:  make(map[string]*Descriptor, len(b.entries)),
		byType: make(map[reflect.Type]*Descriptor, len(b.entries)),
		keys:   make([]string, 0, len(b.entries)),
	}

	var errs []error

	for _, d := range b.entries {
		switch {
		case d.Key == "":
			errs = append(errs, fmt.Errorf("register %s: empty routing key: %w", d.Type, berr.ErrConfigInvalid))
			continue
		case d.Type.Kind() == reflect.Interface:
			errs = append(errs, fmt.Errorf("register %s: interface types cannot be decoded: %w", d.Type, berr.ErrConfigInvalid))
			continue
		}

		if prev, ok := r.byKey[d.Key]; ok {
			errs = append(errs, fmt.Errorf("register %s as %q (already %s): %w", d.Type, d.Key, prev.Type, berr.ErrDuplicateEventType))
			continue
		}

		if prev, ok := r.byType[d.Type]; ok {
			errs = append(errs, fmt.Errorf("register %s as %q (already %q): %w", d.Type, d.Key, prev.Key, berr.ErrDuplicateEventType))
			continue
		}

		r.byKey[d.Key] = d
		r.byType[d.Type] = d
		r.keys = append(r.keys, d.Key)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.Strings(r.keys)

	return r, nil
}

// MustBuild is Build for static wiring; it panics on error.
func (b *Builder) MustBuild() *Registry {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}

	return r
}
