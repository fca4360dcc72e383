package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/VanDung-dev/Neuropil-Engine/aaa"
	"github.com/VanDung-dev/Neuropil-Engine/data"
	"github.com/VanDung-dev/Neuropil-Engine/logging"
	"github.com/VanDung-dev/Neuropil-Engine/monitoring"
	"github.com/VanDung-dev/Neuropil-Engine/network"
)

// Send publishes payload on subject. Without a known receiver the message
// is cached until one announces itself or its TTL runs out. ErrNoReceiver
// is only returned when the subject cache size is zero.
func (n *Node) Send(subject string, payload []byte) error {
	if subject == "" {
		return ErrEmptySubject
	}
	if n.Status() != StatusRunning {
		return ErrNotRunning
	}

	props := n.properties(subject)
	msg := &Message{
		Subject:   subject,
		ReplyTo:   props.ReplySubject,
		UUID:      xid.New().String(),
		Seq:       n.nextSeq(subject),
		From:      n.fp,
		Token:     n.intent(subject, modeSend),
		Timestamp: time.Now(),
		TTL:       props.TTL,
		Data:      append([]byte(nil), payload...),
	}
	return n.route(msg, props)
}

func (n *Node) nextSeq(subject string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq[subject]++
	return n.seq[subject]
}

// intent returns the message intent token of subject for mode, issuing a
// new one when the current token is close to expiry.
func (n *Node) intent(subject, mode string) *aaa.Token {
	key := mode + ":" + subject

	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.intents[key]; ok && time.Until(t.ExpiresAt) > intentRefresh {
		return t
	}
	t := n.identity.Issue(aaa.TypeMessageIntent, subject, "", aaa.IntentTokenTTL, map[string]string{attrMode: mode})
	n.intents[key] = t
	return t
}

func (n *Node) route(msg *Message, props MxProperties) error {
	targets := n.receiversFor(msg.Subject, props.Pattern, time.Now())
	if len(targets) == 0 {
		return n.park(msg, props)
	}

	var errs []error
	for _, peer := range targets {
		if err := n.transmit(msg, props, peer); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// receiversFor resolves the peers that announced subject and pass
// authorization.
func (n *Node) receiversFor(subject string, pattern Pattern, now time.Time) []string {
	var allowed []*interest
	for _, in := range n.interests.live(subject, now) {
		peer, ok := n.p2p.Peers().Get(in.peer)
		if !ok || !in.token.SameKey(peer.Token) {
			continue
		}
		if !n.decide(aaa.KindAuthorize, in.token.Clone()) {
			continue
		}
		allowed = append(allowed, in)
	}
	if len(allowed) == 0 {
		return nil
	}
	if pattern == PatternOne {
		return []string{n.interests.rotate(subject, allowed).peer}
	}
	out := make([]string, len(allowed))
	for i, in := range allowed {
		out[i] = in.peer
	}
	return out
}

func (n *Node) park(msg *Message, props MxProperties) error {
	evicted, err := n.outbox.Park(msg, props.CacheSize)
	switch {
	case errors.Is(err, ErrOutboxFull):
		n.metrics.RecordDrop(monitoring.DropOutboxFull)
		return fmt.Errorf("%w: %s", ErrNoReceiver, msg.Subject)
	case errors.Is(err, ErrMessageExists):
		return nil
	case err != nil:
		return err
	}
	if evicted != nil {
		n.metrics.RecordDrop(monitoring.DropOutboxFull)
		n.log.Debug().Str(logging.SUBJECT, evicted.Subject).Str(logging.UUID, evicted.UUID).Msg("cached message evicted")
	}
	n.metrics.RecordCached(msg.Subject)
	n.metrics.UpdateOutboxSize(n.outbox.Size())
	n.log.Debug().Str(logging.SUBJECT, msg.Subject).Str(logging.UUID, msg.UUID).Msg("no receiver yet, message cached")
	return nil
}

func (n *Node) transmit(msg *Message, props MxProperties, peer string) error {
	now := time.Now()
	env := network.NewEnvelope(network.TypeData, n.fp)
	env.Subject = msg.Subject
	env.ReplyTo = msg.ReplyTo
	env.Payload = msg.Data
	env.Token = msg.Token
	env.Seq = msg.Seq
	env.UUID = msg.UUID
	env.TTL = msg.TTL - now.Sub(msg.Timestamp)
	env.Ack = props.AckMode == AckDestination
	if env.TTL <= 0 {
		n.metrics.RecordDrop(monitoring.DropExpired)
		return nil
	}

	if env.Ack {
		tracked := *env
		n.acks.add(&tracked, peer, props.MaxRetry, now.Add(n.ackTimeout))
	}
	if err := n.p2p.SendTo(peer, env); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.Subject, peer, err)
	}

	n.metrics.RecordSent(msg.Subject)
	n.record(data.KindSend, peer, msg.Subject, msg.UUID, len(msg.Data), true)
	n.log.Debug().
		Str(logging.SUBJECT, msg.Subject).
		Str(logging.PEER, peer).
		Uint64("seq", msg.Seq).
		Msg("message sent")
	return nil
}

// flushOutbox routes the cached messages of subject again.
func (n *Node) flushOutbox(subject string) {
	msgs := n.outbox.Drain(subject, time.Now())
	if len(msgs) == 0 {
		return
	}
	props := n.properties(subject)
	for _, msg := range msgs {
		if err := n.route(msg, props); err != nil {
			n.log.Warn().Err(err).Str(logging.SUBJECT, subject).Str(logging.UUID, msg.UUID).Msg("cached message not delivered")
		}
	}
	n.metrics.UpdateOutboxSize(n.outbox.Size())
	n.log.Debug().Str(logging.SUBJECT, subject).Int("count", len(msgs)).Msg("outbox flushed")
}

// retransmit resends overdue acknowledged messages and gives up on those
// out of retries.
func (n *Node) retransmit(now time.Time) {
	resend, failed := n.acks.due(now, n.ackTimeout)
	for _, in := range resend {
		n.metrics.RecordRetry(in.env.Subject)
		if err := n.p2p.SendTo(in.peer, in.env); err != nil {
			n.log.Debug().Err(err).Str(logging.PEER, in.peer).Str(logging.UUID, in.env.UUID).Msg("retransmission failed")
		}
	}
	for _, in := range failed {
		n.metrics.RecordDrop(monitoring.DropRetries)
		n.record(data.KindSend, in.peer, in.env.Subject, in.env.UUID, len(in.env.Payload), false)
		n.log.Warn().
			Str(logging.SUBJECT, in.env.Subject).
			Str(logging.PEER, in.peer).
			Str(logging.UUID, in.env.UUID).
			Int("retries", in.retries).
			Msg("message not acknowledged")
	}
}

// interestEnvelope announces that this node receives subject.
func (n *Node) interestEnvelope(subject string) *network.Envelope {
	tok := n.intent(subject, modeReceive)
	env := network.NewEnvelope(network.TypeInterest, n.fp)
	env.Subject = subject
	env.Token = tok
	env.UUID = tok.UUID
	env.Attrs = map[string]string{
		network.AttrOrigin:     n.fp,
		network.AttrOriginAddr: n.transport.Addr().String(),
	}
	return env
}

// announce gossips the receive interest of subject.
func (n *Node) announce(subject string) {
	if err := n.prop.Propagate(n.interestEnvelope(subject)); err != nil {
		n.log.Debug().Err(err).Str(logging.SUBJECT, subject).Msg("interest not propagated to every peer")
	}
}
