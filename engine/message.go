package engine

import (
	"time"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
)

// Message is a subject tagged payload as seen by receive callbacks.
type Message struct {
	Subject   string
	ReplyTo   string
	UUID      string
	Seq       uint64
	From      string
	Token     *aaa.Token
	Timestamp time.Time
	TTL       time.Duration
	Data      []byte
}

// Raw returns the payload.
func (m *Message) Raw() []byte {
	return m.Data
}

// Expired reports whether the message outlived its TTL.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.After(m.Timestamp.Add(m.TTL))
}

// ReceiveFunc handles a message for a subject. Returning false rejects the
// message: it is not acknowledged and the sender may retry.
type ReceiveFunc func(msg *Message) bool
