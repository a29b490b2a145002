/*
Package registry maps routing keys to concrete integration event types.

A Builder collects registrations at startup; Build freezes them into a Registry that is
read without locks for the rest of the process lifetime. The same Registry drives the
publisher (type -> routing key), the consumer bindings (all keys) and payload decoding
(routing key -> type).
*/
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"slices"

	jsoniter "github.com/json-iterator/go"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// DefaultCodec is the serialization configuration shared by publisher and consumer.
var DefaultCodec = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// Descriptor describes one registered integration event type.
type Descriptor struct {
	Key   string
	Type  reflect.Type
	codec jsoniter.API
}

// Encode serializes evt with the registry codec.
func (d *Descriptor) Encode(evt cbus.IntegrationEvent) ([]byte, error) {
	body, err := d.codec.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", d.Key, errors.Join(berr.ErrSerializationFailed, err))
	}

	return body, nil
}

// Decode builds a new value of the registered type from body.
// Pointer registrations decode to a pointer, value registrations to a value.
func (d *Descriptor) Decode(body []byte) (cbus.IntegrationEvent, error) {
	var target reflect.Value
	if d.Type.Kind() == reflect.Ptr {
		target = reflect.New(d.Type.Elem())
	} else {
		target = reflect.New(d.Type)
	}

	if err := d.codec.Unmarshal(body, target.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.Key, errors.Join(berr.ErrSerializationFailed, err))
	}

	if d.Type.Kind() != reflect.Ptr {
		target = target.Elem()
	}

	evt, ok := target.Interface().(cbus.IntegrationEvent)
	if !ok {
		return nil, fmt.Errorf("decode %s: %w", d.Key, berr.ErrHandlerTypeMismatch)
	}

	return evt, nil
}

// Registry is an immutable routing key index. Safe for concurrent use.
type Registry struct {
	byKey  map[string]*Descriptor
	byType map[reflect.Type]*Descriptor
	keys   []string
}

// Lookup returns the descriptor bound to key.
func (r *Registry) Lookup(key string) (*Descriptor, bool) {
	d, ok := r.byKey[key]
	return d, ok
}

// Describe returns the descriptor of evt's concrete type.
func (r *Registry) Describe(evt cbus.IntegrationEvent) (*Descriptor, error) {
	if evt == nil {
		return nil, fmt.Errorf("describe <nil>: %w", berr.ErrUnknownEventType)
	}

	d, ok := r.byType[reflect.TypeOf(evt)]
	if !ok {
		return nil, fmt.Errorf("describe %T: %w", evt, berr.ErrUnknownEventType)
	}

	return d, nil
}

// KeyOf returns the routing key of evt.
func (r *Registry) KeyOf(evt cbus.IntegrationEvent) (string, error) {
	d, err := r.Describe(evt)
	if err != nil {
		return "", err
	}

	return d.Key, nil
}

// Keys returns every routing key in sorted order. The slice is a copy.
func (r *Registry) Keys() []string { return slices.Clone(r.keys) }

// Len reports the number of registered types.
func (r *Registry) Len() int { return len(r.keys) }

// TypeName is the default routing key of a type: its bare Go type name, pointers stripped.
func TypeName(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" {
		name = t.String()
	}

	return name
}
