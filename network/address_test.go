package network

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want Address
	}{
		{"*:tcp4:localhost:4444", Address{Proto: ProtoTCP4, Host: "localhost", Port: 4444}},
		{"tcp4:127.0.0.1:5555", Address{Proto: ProtoTCP4, Host: "127.0.0.1", Port: 5555}},
		{"abcd:udp4:example.org:3141", Address{Fingerprint: "abcd", Proto: ProtoUDP4, Host: "example.org", Port: 3141}},
		{"*:tcp6:[::1]:3141", Address{Proto: ProtoTCP6, Host: "::1", Port: 3141}},
		{"tcp6:::1:3141", Address{Proto: ProtoTCP6, Host: "::1", Port: 3141}},
		{"mem:hub:0", Address{Proto: ProtoMem, Host: "hub", Port: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAddressErrors(t *testing.T) {
	for _, in := range []string{
		"",
		"tcp4:localhost",
		"*:foo:localhost:1",
		"*:tcp4:localhost:99999",
		"*:tcp4:localhost:x",
		"*:tcp4::1",
	} {
		_, err := ParseAddress(in)
		assert.Error(t, err, in)
	}
}

func TestAddressStringRoundTrip(t *testing.T) {
	addr := Address{Fingerprint: "f00d", Proto: ProtoTCP4, Host: "localhost", Port: 4444}
	assert.Equal(t, "f00d:tcp4:localhost:4444", addr.String())

	back, err := ParseAddress(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, back)

	assert.Equal(t, "*:tcp4:localhost:4444", addr.WithFingerprint("").String())
}

func TestAddressEndpoint(t *testing.T) {
	ep, err := Address{Proto: ProtoTCP4, Host: "127.0.0.1", Port: 4444}.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:4444", ep)

	ep, err = Address{Proto: ProtoTCP6, Host: "::1", Port: 4444}.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "tcp://[::1]:4444", ep)

	ep, err = Address{Proto: ProtoIPC, Host: "/tmp/np.sock"}.Endpoint()
	require.NoError(t, err)
	assert.Equal(t, "ipc:///tmp/np.sock", ep)

	_, err = Address{Proto: ProtoUDP4, Host: "127.0.0.1", Port: 4444}.Endpoint()
	assert.True(t, errors.Is(err, ErrUnsupportedProtocol))
	assert.False(t, ProtoPas4.Supported())
}

// FuzzParseAddress checks that parsing never panics and that accepted
// addresses survive a String round trip.
// Run with: go test -fuzz=FuzzParseAddress -fuzztime=30s ./network/
func FuzzParseAddress(f *testing.F) {
	f.Add("*:tcp4:localhost:4444")
	f.Add("tcp6:::1:0")
	f.Add("ab:ipc:/tmp/x:0")
	f.Add(":::")
	f.Add("")

	f.Fuzz(func(t *testing.T, in string) {
		addr, err := ParseAddress(in)
		if err != nil {
			return
		}
		back, err := ParseAddress(addr.String())
		if err != nil {
			t.Fatalf("reparse of %q failed: %v", addr.String(), err)
		}
		if back.Proto != addr.Proto || back.Port != addr.Port {
			t.Fatalf("round trip mismatch: %+v vs %+v", addr, back)
		}
	})
}
