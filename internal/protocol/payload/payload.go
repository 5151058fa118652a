// Package payload turns command payload bytes into concrete actions and back.
//
// Types are registered explicitly under a stable numeric id; the id travels in
// front of the encoded body so peers never depend on reflection-driven
// discovery order.
package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
)

var (
	ErrUnregistered = errors.New("payload: type not registered")
	ErrShort        = errors.New("payload: short buffer")
)

// Hints is the context a decoder may need to resolve references.
type Hints struct {
	Tickable int32
	Faction  int32
	Tick     int32
}

type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte, h Hints) (T, error)
}

type entry struct {
	name   string
	encode func(v any) ([]byte, error)
	decode func(b []byte, h Hints) (any, error)
}

type Registry struct {
	byID   map[uint16]entry
	byType map[reflect.Type]uint16
}

func NewRegistry() *Registry {
	return &Registry{byID: map[uint16]entry{}, byType: map[reflect.Type]uint16{}}
}

// Register binds T to id. It panics on a duplicate id or type, which is a
// startup wiring bug.
func Register[T any](r *Registry, id uint16, name string, c Codec[T]) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if _, ok := r.byID[id]; ok {
		panic(fmt.Sprintf("payload: id %d registered twice", id))
	}
	if _, ok := r.byType[typ]; ok {
		panic(fmt.Sprintf("payload: type %s registered twice", typ))
	}
	r.byID[id] = entry{
		name:   name,
		encode: func(v any) ([]byte, error) { return c.Encode(v.(T)) },
		decode: func(b []byte, h Hints) (any, error) { return c.Decode(b, h) },
	}
	r.byType[typ] = id
}

// Encode writes the registered id of T followed by its body.
func Encode[T any](r *Registry, v T) ([]byte, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	id, ok := r.byType[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregistered, typ)
	}
	body, err := r.byID[id].encode(v)
	if err != nil {
		return nil, fmt.Errorf("payload: encode %s: %w", r.byID[id].name, err)
	}
	out := make([]byte, 2, 2+len(body))
	binary.LittleEndian.PutUint16(out, id)
	return append(out, body...), nil
}

// Decode reads an id-prefixed payload produced by Encode.
func (r *Registry) Decode(b []byte, h Hints) (any, error) {
	if len(b) < 2 {
		return nil, ErrShort
	}
	id := binary.LittleEndian.Uint16(b)
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnregistered, id)
	}
	v, err := e.decode(b[2:], h)
	if err != nil {
		return nil, fmt.Errorf("payload: decode %s: %w", e.name, err)
	}
	return v, nil
}

// Name returns the registered name for a payload, for logging.
func (r *Registry) Name(b []byte) string {
	if len(b) < 2 {
		return ""
	}
	return r.byID[binary.LittleEndian.Uint16(b)].name
}

// JSONCodec encodes T as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[T]) Decode(b []byte, _ Hints) (T, error) {
	var v T
	err := json.Unmarshal(b, &v)
	return v, err
}
