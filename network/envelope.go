package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/xid"
	"golang.org/x/crypto/blake2b"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
)

// MaxNetworkMessageSize bounds an encoded envelope.
const MaxNetworkMessageSize = 1 << 20

// ErrMessageTooLarge is returned for envelopes over MaxNetworkMessageSize.
var ErrMessageTooLarge = errors.New("message size exceeds maximum allowed size")

// EnvelopeType discriminates what an envelope carries.
type EnvelopeType string

const (
	TypeJoin                 EnvelopeType = "join"
	TypeJoinAck              EnvelopeType = "join_ack"
	TypeLeave                EnvelopeType = "leave"
	TypePeerExchangeRequest  EnvelopeType = "peer_exchange_request"
	TypePeerExchangeResponse EnvelopeType = "peer_exchange_response"
	TypeInterest             EnvelopeType = "interest"
	TypeData                 EnvelopeType = "data"
	TypeAck                  EnvelopeType = "ack"
	TypeSysinfoRequest       EnvelopeType = "sysinfo_request"
	TypeSysinfoReply         EnvelopeType = "sysinfo_reply"
)

// Attribute keys used on gossiped envelopes.
const (
	AttrOrigin     = "origin"
	AttrOriginAddr = "origin_addr"
)

// Envelope is the unit exchanged between nodes.
type Envelope struct {
	Type      EnvelopeType      `json:"type"`
	From      string            `json:"from"`
	FromAddr  string            `json:"from_addr,omitempty"`
	To        string            `json:"to,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	ReplyTo   string            `json:"reply_to,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
	Token     *aaa.Token        `json:"token,omitempty"`
	Seq       uint64            `json:"seq,omitempty"`
	UUID      string            `json:"uuid,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	TTL       time.Duration     `json:"ttl,omitempty"`
	Nonce     string            `json:"nonce,omitempty"`
	Hops      int               `json:"hops,omitempty"`
	Ack       bool              `json:"ack,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`

	// Signature is made by the sender's node key over SigningHash.
	Signature []byte `json:"signature,omitempty"`
}

// NewEnvelope stamps a fresh envelope with a timestamp and nonce.
func NewEnvelope(typ EnvelopeType, from string) *Envelope {
	return &Envelope{
		Type:      typ,
		From:      from,
		Timestamp: time.Now(),
		Nonce:     xid.New().String(),
	}
}

// Expired reports whether the envelope outlived its TTL. Envelopes without
// TTL never expire.
func (e *Envelope) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.Timestamp.Add(e.TTL))
}

// Forward returns a copy suitable for relaying: new nonce and sender, one
// more hop.
func (e *Envelope) Forward(from string) *Envelope {
	c := *e
	c.From = from
	c.Nonce = xid.New().String()
	c.Hops++
	c.Signature = nil
	if e.Attrs != nil {
		c.Attrs = make(map[string]string, len(e.Attrs))
		for k, v := range e.Attrs {
			c.Attrs[k] = v
		}
	}
	return &c
}

// Renew returns a copy for retransmission: a new nonce and timestamp, with
// the TTL reduced by the time already spent.
func (e *Envelope) Renew(now time.Time) *Envelope {
	c := *e
	c.Nonce = xid.New().String()
	c.Signature = nil
	if c.TTL > 0 {
		c.TTL -= now.Sub(e.Timestamp)
	}
	c.Timestamp = now
	return &c
}

// SigningHash returns the blake2b-256 hash over every field but Signature.
func (e *Envelope) SigningHash() []byte {
	h, _ := blake2b.New256(nil)
	writeStr := func(s string) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		h.Write(l[:])
		h.Write([]byte(s))
	}
	writeInt := func(v int64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v))
		h.Write(b[:])
	}

	writeStr(string(e.Type))
	writeStr(e.From)
	writeStr(e.FromAddr)
	writeStr(e.To)
	writeStr(e.Subject)
	writeStr(e.ReplyTo)
	writeStr(string(e.Payload))
	if e.Token != nil {
		writeStr(e.Token.Fingerprint())
	} else {
		writeStr("")
	}
	writeInt(int64(e.Seq))
	writeStr(e.UUID)
	writeInt(e.Timestamp.UnixNano())
	writeInt(int64(e.TTL))
	writeStr(e.Nonce)
	writeInt(int64(e.Hops))
	if e.Ack {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeInt(int64(len(keys)))
	for _, k := range keys {
		writeStr(k)
		writeStr(e.Attrs[k])
	}
	return h.Sum(nil)
}

// Sign sets Signature using the key of id.
func (e *Envelope) Sign(id *aaa.Identity) {
	e.Signature = id.Sign(e.SigningHash())
}

// Verify reports whether Signature was made with the key of t.
func (e *Envelope) Verify(t *aaa.Token) bool {
	return t.VerifySignature(e.SigningHash(), e.Signature)
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(data) > MaxNetworkMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, len(data), MaxNetworkMessageSize)
	}
	return data, nil
}

// Decode parses a wire envelope.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxNetworkMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, len(data), MaxNetworkMessageSize)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" || env.From == "" {
		return nil, errors.New("envelope without type or sender")
	}
	return &env, nil
}

// PeerRecord is the peer exchange payload element.
type PeerRecord struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// EncodePeers serializes a peer exchange payload.
func EncodePeers(peers []PeerRecord) ([]byte, error) {
	return json.Marshal(peers)
}

// DecodePeers parses a peer exchange payload.
func DecodePeers(data []byte) ([]PeerRecord, error) {
	var peers []PeerRecord
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}
