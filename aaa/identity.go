package aaa

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Default token lifetimes.
const (
	NodeTokenTTL   = 365 * 24 * time.Hour
	IntentTokenTTL = 30 * time.Second
)

// ErrInvalidIdentity is returned when an identity file cannot be used.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is a self-signed token together with its private key. Tokens
// issued by an identity carry its public key and name its fingerprint as
// issuer.
type Identity struct {
	token *Token
	key   ed25519.PrivateKey
}

// NewIdentity creates a fresh key pair and a self-signed token of type typ.
func NewIdentity(typ Type, realm, subject string, ttl time.Duration) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newIdentityFromKey(typ, realm, subject, ttl, pub, priv), nil
}

// NewIdentityFromSeed derives the key pair from a 32 byte seed.
func NewIdentityFromSeed(seed []byte, typ Type, realm, subject string, ttl time.Duration) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidIdentity, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return newIdentityFromKey(typ, realm, subject, ttl, priv.Public().(ed25519.PublicKey), priv), nil
}

func newIdentityFromKey(typ Type, realm, subject string, ttl time.Duration, pub ed25519.PublicKey, priv ed25519.PrivateKey) *Identity {
	now := time.Now()
	t := &Token{
		Version:   TokenVersion,
		Type:      typ,
		UUID:      uuid.NewString(),
		Realm:     realm,
		Subject:   subject,
		IssuedAt:  now,
		NotBefore: now,
		ExpiresAt: now.Add(ttl),
		PublicKey: append([]byte(nil), pub...),
	}
	// self signed: the issuer is derived from the public key since the
	// fingerprint depends on the signature
	t.Issuer = keyIssuer(pub)
	t.sign(priv)
	return &Identity{token: t, key: priv}
}

func keyIssuer(pub ed25519.PublicKey) string {
	return fmt.Sprintf("ed25519:%x", []byte(pub))
}

// Token returns a copy of the identity token.
func (id *Identity) Token() *Token { return id.token.Clone() }

// Fingerprint returns the fingerprint of the identity token.
func (id *Identity) Fingerprint() string { return id.token.Fingerprint() }

// PublicKey returns the identity public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id.token.PublicKey)
}

// Sign signs msg with the identity key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.key, msg)
}

// Issue signs a new token of type typ for subject on behalf of this identity.
func (id *Identity) Issue(typ Type, subject, audience string, ttl time.Duration, attrs map[string]string) *Token {
	now := time.Now()
	t := &Token{
		Version:   TokenVersion,
		Type:      typ,
		UUID:      uuid.NewString(),
		Realm:     id.token.Realm,
		Issuer:    id.Fingerprint(),
		Subject:   subject,
		Audience:  audience,
		IssuedAt:  now,
		NotBefore: now,
		ExpiresAt: now.Add(ttl),
		PublicKey: append([]byte(nil), id.token.PublicKey...),
	}
	if len(attrs) > 0 {
		t.Attributes = make(map[string]string, len(attrs))
		for k, v := range attrs {
			t.Attributes[k] = v
		}
	}
	t.sign(id.key)
	return t
}

// identityFile is the on-disk form of an identity.
type identityFile struct {
	Token     *Token `json:"token"`
	SecretKey []byte `json:"secret_key"`
}

// Export serializes the identity including its secret key.
func (id *Identity) Export() ([]byte, error) {
	return json.MarshalIndent(identityFile{Token: id.token, SecretKey: id.key}, "", "  ")
}

// Import restores an identity produced by Export and validates it.
func Import(data []byte) (*Identity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if f.Token == nil || len(f.SecretKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: incomplete identity", ErrInvalidIdentity)
	}
	key := ed25519.PrivateKey(f.SecretKey)
	if !key.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(f.Token.PublicKey)) {
		return nil, fmt.Errorf("%w: secret key does not match token", ErrInvalidIdentity)
	}
	if err := f.Token.Validate(time.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return &Identity{token: f.Token, key: key}, nil
}

// Save writes the exported identity to path with owner-only permissions.
func (id *Identity) Save(path string) error {
	data, err := id.Export()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	return nil
}

// Load reads an identity file written by Save.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}
	return Import(data)
}
