package command

import (
	"errors"
	"fmt"
)

var ErrUnknownKind = errors.New("unknown command kind")

// Handler applies one command kind. E is the executor environment that the
// handler mutates.
type Handler[E any] func(env E, cmd Command) error

// Handlers is a dispatch table keyed by Kind. It is filled once at startup.
type Handlers[E any] struct {
	byKind [kindCount]Handler[E]
}

func (h *Handlers[E]) Register(k Kind, fn Handler[E]) {
	if !k.Valid() {
		panic(fmt.Sprintf("command: register %s", k))
	}
	if fn == nil {
		panic(fmt.Sprintf("command: nil handler for %s", k))
	}
	h.byKind[k] = fn
}

func (h *Handlers[E]) Lookup(k Kind) (Handler[E], error) {
	if !k.Valid() || h.byKind[k] == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
	return h.byKind[k], nil
}
