package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/xid"

	"github.com/VanDung-dev/Neuropil-Engine/logging"
	"github.com/VanDung-dev/Neuropil-Engine/network"
)

// Sysinfo describes a node and its neighbourhood.
type Sysinfo struct {
	Node       string        `json:"node"`
	Address    string        `json:"address"`
	Status     string        `json:"status"`
	Neighbours []SysinfoPeer `json:"neighbours"`
	Subjects   []string      `json:"subjects"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SysinfoPeer is one neighbour entry of Sysinfo.
type SysinfoPeer struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

// Sysinfo returns the local node information.
func (n *Node) Sysinfo() Sysinfo {
	peers := n.Peers()
	info := Sysinfo{
		Node:       n.fp,
		Address:    n.Address().String(),
		Status:     n.Status().String(),
		Neighbours: make([]SysinfoPeer, 0, len(peers)),
		Subjects:   n.Subjects(),
		Timestamp:  time.Now().UTC(),
	}
	for _, p := range peers {
		info.Neighbours = append(info.Neighbours, SysinfoPeer{
			ID:       p.ID,
			Address:  p.AddressString(),
			LastSeen: p.LastSeen,
		})
	}
	return info
}

// RequestSysinfo asks the peer with fingerprint for its Sysinfo. The own
// fingerprint is answered locally.
func (n *Node) RequestSysinfo(ctx context.Context, fingerprint string) (Sysinfo, error) {
	if fingerprint == n.fp {
		return n.Sysinfo(), nil
	}
	if n.Status() != StatusRunning {
		return Sysinfo{}, ErrNotRunning
	}

	env := network.NewEnvelope(network.TypeSysinfoRequest, n.fp)
	env.UUID = xid.New().String()
	reply := make(chan *network.Envelope, 1)

	n.waitMu.Lock()
	n.waiters[env.UUID] = reply
	n.waitMu.Unlock()
	defer func() {
		n.waitMu.Lock()
		delete(n.waiters, env.UUID)
		n.waitMu.Unlock()
	}()

	if err := n.p2p.SendTo(fingerprint, env); err != nil {
		return Sysinfo{}, err
	}

	select {
	case r := <-reply:
		var info Sysinfo
		if err := json.Unmarshal(r.Payload, &info); err != nil {
			return Sysinfo{}, fmt.Errorf("failed to decode sysinfo: %w", err)
		}
		return info, nil
	case <-ctx.Done():
		return Sysinfo{}, waitErr(ctx.Err())
	}
}

func (n *Node) handleSysinfoRequest(env *network.Envelope) {
	payload, err := json.Marshal(n.Sysinfo())
	if err != nil {
		n.log.Error().Err(err).Msg("failed to encode sysinfo")
		return
	}
	reply := network.NewEnvelope(network.TypeSysinfoReply, n.fp)
	reply.UUID = env.UUID
	reply.Payload = payload
	if err := n.p2p.SendTo(env.From, reply); err != nil {
		n.log.Debug().Err(err).Str(logging.PEER, env.From).Msg("sysinfo reply not sent")
	}
}

func (n *Node) handleSysinfoReply(env *network.Envelope) {
	n.waitMu.Lock()
	ch, ok := n.waiters[env.UUID]
	n.waitMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
	}
}
