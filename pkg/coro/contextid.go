package coro

import (
	"crypto/rand"
)

// ContextId is a short random id threaded through every coroutine and log
// line. It is cheap to copy and compared by value.
type ContextId struct {
	v string
}

const cidAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewContextId generates a fresh 8-character id.
func NewContextId() ContextId {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// rand.Read on a sane OS never fails; fall back to a fixed id so
		// logging still works.
		return ContextId{v: "00000000"}
	}
	for i := range buf {
		buf[i] = cidAlphabet[int(buf[i])%len(cidAlphabet)]
	}
	return ContextId{v: string(buf[:])}
}

// String returns the id text, empty for the zero value.
func (c ContextId) String() string { return c.v }

// Empty reports whether the id is the zero value.
func (c ContextId) Empty() bool { return c.v == "" }

// Compare returns 0 when equal, like strings.Compare.
func (c ContextId) Compare(o ContextId) int {
	switch {
	case c.v == o.v:
		return 0
	case c.v < o.v:
		return -1
	default:
		return 1
	}
}
