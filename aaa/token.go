// Package aaa provides the tokens used for authentication, authorization and
// accounting between nodes, and the callback slots that decide on them.
//
// A token is modelled after a json web token: it names a realm, an issuer,
// a subject and an audience, carries a validity window and is integrity
// protected by an ed25519 signature over a blake2b hash of its fields.
package aaa

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

// TokenVersion is stamped into every token issued by this package.
const TokenVersion = 0.90

// Token validation errors
var (
	ErrMissingField      = errors.New("token is missing a mandatory field")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenNotYetValid  = errors.New("token not yet valid")
	ErrInvalidSignature  = errors.New("token signature verification failed")
	ErrInvalidAttributes = errors.New("token attribute signature verification failed")
)

// State is the bit set that records which checks a token passed locally.
// It is never serialized.
type State uint8

const (
	StateUnknown       State = 0x00
	StateValid         State = 0x01
	StateAuthenticated State = 0x02
	StateAuthorized    State = 0x04
	StateAccounting    State = 0x08
)

// Type tells what a token stands for.
type Type uint8

const (
	TypeUndefined Type = iota
	TypeIdentity
	TypeNode
	TypeMessageIntent
)

func (t Type) String() string {
	switch t {
	case TypeIdentity:
		return "identity"
	case TypeNode:
		return "node"
	case TypeMessageIntent:
		return "message_intent"
	default:
		return "undefined"
	}
}

// Token is a signed statement about a subject.
type Token struct {
	Version       float64           `json:"version"`
	Type          Type              `json:"type"`
	UUID          string            `json:"uuid"`
	Realm         string            `json:"realm,omitempty"`
	Issuer        string            `json:"issuer"`
	Subject       string            `json:"subject"`
	Audience      string            `json:"audience,omitempty"`
	IssuedAt      time.Time         `json:"issued_at"`
	NotBefore     time.Time         `json:"not_before"`
	ExpiresAt     time.Time         `json:"expires_at"`
	PublicKey     []byte            `json:"public_key"`
	Signature     []byte            `json:"signature"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	AttrSignature []byte            `json:"attr_signature,omitempty"`

	State State `json:"-"`
}

// Is reports whether all bits of s are set.
func (t *Token) Is(s State) bool { return t.State&s == s && s != StateUnknown }

// Set adds s to the token state.
func (t *Token) Set(s State) { t.State |= s }

// Clear removes s from the token state.
func (t *Token) Clear(s State) { t.State &^= s }

// Hash returns the blake2b-256 hash over the signed token fields.
func (t *Token) Hash() []byte {
	h, _ := blake2b.New256(nil)
	writeStr := func(s string) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		h.Write(l[:])
		h.Write([]byte(s))
	}
	writeTime := func(ts time.Time) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(ts.UnixNano()))
		h.Write(b[:])
	}

	writeStr(fmt.Sprintf("%.2f", t.Version))
	h.Write([]byte{byte(t.Type)})
	writeStr(t.UUID)
	writeStr(t.Realm)
	writeStr(t.Issuer)
	writeStr(t.Subject)
	writeStr(t.Audience)
	writeTime(t.IssuedAt)
	writeTime(t.NotBefore)
	writeTime(t.ExpiresAt)
	h.Write(t.PublicKey)
	return h.Sum(nil)
}

// AttributesHash hashes the attributes in key order.
func (t *Token) AttributesHash() []byte {
	h, _ := blake2b.New256(nil)
	keys := make([]string, 0, len(t.Attributes))
	for k := range t.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(t.Attributes[k]))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// Fingerprint identifies the token: blake2b-256(hash || signature), hex encoded.
func (t *Token) Fingerprint() string {
	h, _ := blake2b.New256(nil)
	h.Write(t.Hash())
	h.Write(t.Signature)
	return hex.EncodeToString(h.Sum(nil))
}

// Attr returns an attribute value.
func (t *Token) Attr(key string) (string, bool) {
	v, ok := t.Attributes[key]
	return v, ok
}

// sign fills Signature and AttrSignature using key.
func (t *Token) sign(key ed25519.PrivateKey) {
	t.Signature = ed25519.Sign(key, t.Hash())
	t.AttrSignature = ed25519.Sign(key, t.AttributesHash())
}

// Validate checks mandatory fields, the validity window and both signatures.
// A token that passes is marked valid; any failure clears that mark.
func (t *Token) Validate(now time.Time) error {
	err := t.validate(now)
	if err != nil {
		t.Clear(StateValid)
		return err
	}
	t.Set(StateValid)
	return nil
}

func (t *Token) validate(now time.Time) error {
	if t.UUID == "" || t.Issuer == "" || t.Subject == "" {
		return ErrMissingField
	}
	if len(t.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key", ErrMissingField)
	}
	if now.After(t.ExpiresAt) {
		return fmt.Errorf("%w: subject %q expired at %s", ErrTokenExpired, t.Subject, t.ExpiresAt.Format(time.RFC3339))
	}
	if now.Before(t.NotBefore) {
		return ErrTokenNotYetValid
	}
	if len(t.Signature) != ed25519.SignatureSize ||
		!ed25519.Verify(ed25519.PublicKey(t.PublicKey), t.Hash(), t.Signature) {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(t.PublicKey), t.AttributesHash(), t.AttrSignature) {
		return ErrInvalidAttributes
	}
	return nil
}

// Clone returns a deep copy without the local state bits.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	c.State = StateUnknown
	c.PublicKey = append([]byte(nil), t.PublicKey...)
	c.Signature = append([]byte(nil), t.Signature...)
	c.AttrSignature = append([]byte(nil), t.AttrSignature...)
	if t.Attributes != nil {
		c.Attributes = make(map[string]string, len(t.Attributes))
		for k, v := range t.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// VerifySignature reports whether sig signs msg with the token key.
func (t *Token) VerifySignature(msg, sig []byte) bool {
	if t == nil || len(t.PublicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(t.PublicKey), msg, sig)
}

// SameKey reports whether both tokens carry the same public key.
func (t *Token) SameKey(other *Token) bool {
	if t == nil || other == nil {
		return false
	}
	return ed25519.PublicKey(t.PublicKey).Equal(ed25519.PublicKey(other.PublicKey))
}
