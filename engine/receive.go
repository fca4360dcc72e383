package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
	"github.com/VanDung-dev/Neuropil-Engine/data"
	"github.com/VanDung-dev/Neuropil-Engine/logging"
	"github.com/VanDung-dev/Neuropil-Engine/monitoring"
	"github.com/VanDung-dev/Neuropil-Engine/network"
)

// claim marks a message uuid as being delivered or delivered.
type claim struct {
	done  bool
	until time.Time
}

// handleEnvelope is the transport handler of the node.
func (n *Node) handleEnvelope(env *network.Envelope) {
	if n.p2p.Handle(env) {
		n.metrics.UpdatePeers(n.p2p.PeerCount())
		return
	}
	if _, err := n.p2p.Authenticate(env); err != nil {
		reason := monitoring.DropUnknownPeer
		if errors.Is(err, network.ErrBadSignature) {
			reason = monitoring.DropBadSignature
		}
		n.metrics.RecordDrop(reason)
		n.log.Debug().Err(err).Str(logging.TYPE, string(env.Type)).Str(logging.PEER, env.From).Msg("envelope dropped")
		return
	}

	switch env.Type {
	case network.TypeInterest:
		n.handleInterest(env)
	case network.TypeData:
		n.handleData(env)
	case network.TypeAck:
		if n.acks.ack(env.UUID, env.From) {
			n.log.Debug().Str(logging.SUBJECT, env.Subject).Str(logging.UUID, env.UUID).Msg("message acknowledged")
		}
	case network.TypeSysinfoRequest:
		n.handleSysinfoRequest(env)
	case network.TypeSysinfoReply:
		n.handleSysinfoReply(env)
	default:
		n.log.Debug().Str(logging.TYPE, string(env.Type)).Msg("unknown envelope type")
	}
}

// validIntent checks that t is a valid message intent of issuer for
// subject in the given mode.
func validIntent(t *aaa.Token, issuer, subject, mode string, now time.Time) bool {
	if t == nil || t.Validate(now) != nil {
		return false
	}
	if t.Type != aaa.TypeMessageIntent || t.Subject != subject || t.Issuer != issuer {
		return false
	}
	m, _ := t.Attr(attrMode)
	return m == mode
}

func (n *Node) handleInterest(env *network.Envelope) {
	now := time.Now()
	origin := env.Attrs[network.AttrOrigin]
	if origin == "" || !validIntent(env.Token, origin, env.Subject, modeReceive, now) {
		n.metrics.RecordDrop(monitoring.DropInvalidToken)
		n.log.Debug().Str(logging.SUBJECT, env.Subject).Str(logging.PEER, env.From).Msg("invalid interest dropped")
		return
	}
	if !n.prop.HandleIncoming(env) || origin == n.fp {
		return
	}

	peer, known := n.p2p.Peers().Get(origin)
	if known && !env.Token.SameKey(peer.Token) {
		n.metrics.RecordDrop(monitoring.DropInvalidToken)
		n.log.Warn().Str(logging.SUBJECT, env.Subject).Str(logging.PEER, origin).Msg("interest signed by foreign key")
		return
	}
	if !known {
		if addr, err := network.ParseAddress(env.Attrs[network.AttrOriginAddr]); err == nil {
			if err := n.p2p.Join(addr); err != nil {
				n.log.Debug().Err(err).Str(logging.ADDR, addr.String()).Msg("join of interest origin failed")
			}
		}
	}

	if !n.decide(aaa.KindAuthorize, env.Token) {
		n.metrics.RecordDrop(monitoring.DropUnauthorized)
		return
	}
	if n.interests.put(env.Subject, origin, env.Token, now) {
		n.log.Info().Str(logging.SUBJECT, env.Subject).Str(logging.PEER, origin).Msg("receiver announced")
	}
	n.flushOutbox(env.Subject)
}

func (n *Node) handleData(env *network.Envelope) {
	now := time.Now()
	if n.Status() != StatusRunning {
		n.log.Debug().Str(logging.SUBJECT, env.Subject).Msg("node not running, message dropped")
		return
	}
	if env.Expired(now) {
		n.metrics.RecordDrop(monitoring.DropExpired)
		return
	}
	peer, _ := n.p2p.Peers().Get(env.From)
	if !validIntent(env.Token, env.From, env.Subject, modeSend, now) || !env.Token.SameKey(peer.Token) {
		n.metrics.RecordDrop(monitoring.DropInvalidToken)
		n.log.Debug().Str(logging.SUBJECT, env.Subject).Str(logging.PEER, env.From).Msg("invalid sender token")
		return
	}

	n.mu.RLock()
	fn := n.receivers[env.Subject]
	sem := n.sems[env.Subject]
	pool := n.pool
	n.mu.RUnlock()
	if fn == nil {
		n.metrics.RecordDrop(monitoring.DropNoHandler)
		n.log.Debug().Str(logging.SUBJECT, env.Subject).Msg("no receive callback")
		return
	}

	key := env.From + "/" + env.UUID
	window := env.TTL
	if window <= 0 {
		window = defaultDedupWindow
	}
	fresh, done := n.claim(key, now.Add(window))
	if !fresh {
		if done && env.Ack {
			n.sendAck(env)
		}
		return
	}

	if !n.decide(aaa.KindAuthorize, env.Token) {
		n.release(key)
		n.metrics.RecordDrop(monitoring.DropUnauthorized)
		return
	}

	msg := &Message{
		Subject:   env.Subject,
		ReplyTo:   env.ReplyTo,
		UUID:      env.UUID,
		Seq:       env.Seq,
		From:      env.From,
		Token:     env.Token,
		Timestamp: env.Timestamp,
		TTL:       env.TTL,
		Data:      env.Payload,
	}
	task := NewTask(env.UUID, env.Subject, func(ctx context.Context) error {
		return n.deliver(ctx, sem, fn, msg, env.Ack, key)
	})
	if err := pool.Submit(task); err != nil {
		n.release(key)
		n.metrics.RecordDrop(monitoring.DropQueueFull)
		n.log.Warn().Err(err).Str(logging.SUBJECT, env.Subject).Msg("receive task not queued")
	}
}

// deliver runs the receive callback within the subject's parallelism
// limit.
func (n *Node) deliver(ctx context.Context, sem *semaphore.Weighted, fn ReceiveFunc, msg *Message, ack bool, key string) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		n.release(key)
		return err
	}
	defer sem.Release(1)

	if n.Status() != StatusRunning {
		n.release(key)
		return ErrNotRunning
	}

	accepted := false
	defer func() {
		if !accepted {
			n.release(key)
		}
	}()

	start := time.Now()
	accepted = fn(msg)
	n.metrics.RecordReceived(msg.Subject, accepted, time.Since(start))
	n.record(data.KindDeliver, msg.From, msg.Subject, msg.UUID, len(msg.Data), accepted)
	if !accepted {
		n.metrics.RecordDrop(monitoring.DropRejected)
		n.log.Debug().Str(logging.SUBJECT, msg.Subject).Str(logging.UUID, msg.UUID).Msg("message rejected by callback")
		return nil
	}

	n.finish(key)
	n.decide(aaa.KindAccounting, msg.Token)
	if ack {
		n.sendAck(&network.Envelope{From: msg.From, Subject: msg.Subject, UUID: msg.UUID, Seq: msg.Seq})
	}
	return nil
}

// sendAck acknowledges env to its sender.
func (n *Node) sendAck(env *network.Envelope) {
	ack := network.NewEnvelope(network.TypeAck, n.fp)
	ack.Subject = env.Subject
	ack.UUID = env.UUID
	ack.Seq = env.Seq
	if err := n.p2p.SendTo(env.From, ack); err != nil {
		n.log.Debug().Err(err).Str(logging.PEER, env.From).Str(logging.UUID, env.UUID).Msg("ack not sent")
	}
}

// claim reserves key for delivery. fresh is false when the message was
// seen before; done then tells whether it was delivered.
func (n *Node) claim(key string, until time.Time) (fresh, done bool) {
	n.claimsMu.Lock()
	defer n.claimsMu.Unlock()
	if c, ok := n.claims[key]; ok {
		return false, c.done
	}
	n.claims[key] = &claim{until: until}
	return true, false
}

func (n *Node) release(key string) {
	n.claimsMu.Lock()
	if c, ok := n.claims[key]; ok && !c.done {
		delete(n.claims, key)
	}
	n.claimsMu.Unlock()
}

func (n *Node) finish(key string) {
	n.claimsMu.Lock()
	if c, ok := n.claims[key]; ok {
		c.done = true
	}
	n.claimsMu.Unlock()
}

func (n *Node) purgeClaims(now time.Time) {
	n.claimsMu.Lock()
	defer n.claimsMu.Unlock()
	for key, c := range n.claims {
		if c.done && now.After(c.until) {
			delete(n.claims, key)
		}
	}
}
