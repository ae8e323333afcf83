package events

import "math/big"

// Event represents a typed notification emitted during engine state
// transitions. Attributes are rendered as strings so downstream consumers can
// index them without decoding amounts.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter receives events produced by native modules.
type Emitter interface {
	Emit(evt *Event)
}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(evt *Event)

func (f EmitterFunc) Emit(evt *Event) { f(evt) }

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
