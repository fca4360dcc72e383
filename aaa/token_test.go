package aaa

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed(b byte) []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = b
	}
	return seed
}

func TestNewIdentityIsValid(t *testing.T) {
	id, err := NewIdentity(TypeNode, "test", "node-1", time.Hour)
	require.NoError(t, err)

	tok := id.Token()
	require.NoError(t, tok.Validate(time.Now()))
	assert.True(t, tok.Is(StateValid))
	assert.Equal(t, TypeNode, tok.Type)
	assert.Len(t, id.Fingerprint(), 64)
	assert.Equal(t, id.Fingerprint(), tok.Fingerprint())
}

func TestFingerprintDeterministicForSameToken(t *testing.T) {
	id, err := NewIdentityFromSeed(testSeed(7), TypeIdentity, "", "me", time.Hour)
	require.NoError(t, err)

	tok := id.Token()
	assert.Equal(t, tok.Fingerprint(), tok.Clone().Fingerprint())

	other, err := NewIdentityFromSeed(testSeed(8), TypeIdentity, "", "me", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, id.Fingerprint(), other.Fingerprint())
}

func TestValidateRejectsTampering(t *testing.T) {
	id, err := NewIdentity(TypeNode, "", "node", time.Hour)
	require.NoError(t, err)

	tok := id.Issue(TypeMessageIntent, "tick", "", time.Minute, map[string]string{"max_threshold": "10"})
	require.NoError(t, tok.Validate(time.Now()))

	tampered := tok.Clone()
	tampered.Subject = "tock"
	err = tampered.Validate(time.Now())
	assert.True(t, errors.Is(err, ErrInvalidSignature))
	assert.False(t, tampered.Is(StateValid))

	attrs := tok.Clone()
	attrs.Attributes["max_threshold"] = "1000"
	assert.True(t, errors.Is(attrs.Validate(time.Now()), ErrInvalidAttributes))
}

func TestValidateWindow(t *testing.T) {
	id, err := NewIdentity(TypeNode, "", "node", time.Hour)
	require.NoError(t, err)
	tok := id.Issue(TypeMessageIntent, "tick", "", time.Second, nil)

	assert.True(t, errors.Is(tok.Validate(time.Now().Add(time.Minute)), ErrTokenExpired))
	assert.True(t, errors.Is(tok.Validate(time.Now().Add(-time.Minute)), ErrTokenNotYetValid))
}

func TestValidateMissingFields(t *testing.T) {
	tok := &Token{Subject: "x"}
	assert.True(t, errors.Is(tok.Validate(time.Now()), ErrMissingField))
}

func TestIssueCarriesIssuerAndKey(t *testing.T) {
	id, err := NewIdentity(TypeNode, "realm", "node", time.Hour)
	require.NoError(t, err)

	tok := id.Issue(TypeMessageIntent, "tock", "aud", time.Minute, nil)
	assert.Equal(t, id.Fingerprint(), tok.Issuer)
	assert.Equal(t, "realm", tok.Realm)
	assert.True(t, tok.SameKey(id.Token()))
}

func TestStateFlags(t *testing.T) {
	tok := &Token{}
	assert.False(t, tok.Is(StateAuthorized))
	tok.Set(StateAuthorized | StateValid)
	assert.True(t, tok.Is(StateAuthorized))
	assert.True(t, tok.Is(StateValid))
	tok.Clear(StateAuthorized)
	assert.False(t, tok.Is(StateAuthorized))
	assert.True(t, tok.Is(StateValid))
}

func TestExportImportRoundTrip(t *testing.T) {
	id, err := NewIdentity(TypeIdentity, "", "alice", time.Hour)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "alice.id")
	require.NoError(t, id.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, id.Fingerprint(), loaded.Fingerprint())

	issued := loaded.Issue(TypeMessageIntent, "tick", "", time.Minute, nil)
	assert.NoError(t, issued.Validate(time.Now()))
}

func TestImportRejectsMismatchedKey(t *testing.T) {
	a, err := NewIdentityFromSeed(testSeed(1), TypeIdentity, "", "a", time.Hour)
	require.NoError(t, err)
	b, err := NewIdentityFromSeed(testSeed(2), TypeIdentity, "", "b", time.Hour)
	require.NoError(t, err)

	mixed := &Identity{token: a.token, key: b.key}
	data, err := mixed.Export()
	require.NoError(t, err)

	_, err = Import(data)
	assert.True(t, errors.Is(err, ErrInvalidIdentity))

	_, err = Import([]byte("not json"))
	assert.True(t, errors.Is(err, ErrInvalidIdentity))
}
