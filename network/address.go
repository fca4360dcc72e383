package network

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Address errors
var (
	ErrInvalidAddress      = errors.New("invalid node address")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// Proto is the transport protocol part of a node address.
type Proto string

const (
	ProtoTCP4 Proto = "tcp4"
	ProtoTCP6 Proto = "tcp6"
	ProtoUDP4 Proto = "udp4"
	ProtoUDP6 Proto = "udp6"
	ProtoPas4 Proto = "pas4"
	ProtoPas6 Proto = "pas6"
	ProtoIPC  Proto = "ipc"
	ProtoMem  Proto = "mem"
)

var knownProtos = map[Proto]bool{
	ProtoTCP4: true, ProtoTCP6: true,
	ProtoUDP4: true, ProtoUDP6: true,
	ProtoPas4: true, ProtoPas6: true,
	ProtoIPC: true, ProtoMem: true,
}

// ParseProto validates a protocol name.
func ParseProto(s string) (Proto, error) {
	p := Proto(strings.ToLower(strings.TrimSpace(s)))
	if !knownProtos[p] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProtocol, s)
	}
	return p, nil
}

// Supported reports whether a transport in this package can carry p.
func (p Proto) Supported() bool {
	switch p {
	case ProtoTCP4, ProtoTCP6, ProtoIPC, ProtoMem:
		return true
	}
	return false
}

// Address locates a node: [<fingerprint>|*]:<proto>:<host>:<port>.
// An empty or "*" fingerprint means the node identity is not known yet.
type Address struct {
	Fingerprint string
	Proto       Proto
	Host        string
	Port        int
}

// ParseAddress parses the textual node address form.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 3 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	var addr Address
	rest := ""
	if p, err := ParseProto(parts[0]); err == nil {
		addr.Proto = p
		rest = s[len(parts[0])+1:]
	} else {
		addr.Fingerprint = parts[0]
		if addr.Fingerprint == "*" {
			addr.Fingerprint = ""
		}
		p, err := ParseProto(parts[1])
		if err != nil {
			return Address{}, err
		}
		addr.Proto = p
		rest = parts[2]
	}

	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return Address{}, fmt.Errorf("%w: missing port in %q", ErrInvalidAddress, s)
	}
	addr.Host = strings.Trim(rest[:idx], "[]")
	port, err := strconv.Atoi(rest[idx+1:])
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, s)
	}
	addr.Port = port
	if addr.Host == "" {
		return Address{}, fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, s)
	}
	return addr, nil
}

// String renders the address; an unknown fingerprint is written as "*".
func (a Address) String() string {
	fp := a.Fingerprint
	if fp == "" {
		fp = "*"
	}
	return fmt.Sprintf("%s:%s", fp, a.HostPort())
}

// HostPort renders the address without the fingerprint.
func (a Address) HostPort() string {
	return fmt.Sprintf("%s:%s:%d", a.Proto, a.Host, a.Port)
}

// WithFingerprint returns a copy carrying fp.
func (a Address) WithFingerprint(fp string) Address {
	a.Fingerprint = fp
	return a
}

// Endpoint returns the transport URL used to bind or dial the address.
func (a Address) Endpoint() (string, error) {
	switch a.Proto {
	case ProtoTCP4:
		return fmt.Sprintf("tcp://%s:%d", a.Host, a.Port), nil
	case ProtoTCP6:
		return fmt.Sprintf("tcp://[%s]:%d", a.Host, a.Port), nil
	case ProtoIPC:
		return "ipc://" + a.Host, nil
	case ProtoMem:
		return fmt.Sprintf("mem://%s:%d", a.Host, a.Port), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedProtocol, a.Proto)
}
