package engine

import "time"

// AckMode selects whether senders wait for an acknowledgement.
type AckMode int

const (
	AckNone AckMode = iota
	// AckDestination makes the receiving node acknowledge every message
	// its callback accepted.
	AckDestination
)

func (a AckMode) String() string {
	if a == AckDestination {
		return "destination"
	}
	return "none"
}

// Pattern selects how many receivers get each message.
type Pattern int

const (
	// PatternOne delivers to one receiver, chosen round-robin.
	PatternOne Pattern = iota
	// PatternAll delivers to every authorized receiver.
	PatternAll
)

func (p Pattern) String() string {
	if p == PatternAll {
		return "all"
	}
	return "one"
}

// Defaults for MxProperties.
const (
	DefaultMaxParallel = 1
	DefaultMaxRetry    = 5
	DefaultTTL         = 30 * time.Second
	DefaultCacheSize   = 32
)

// MxProperties are the message exchange settings of one subject.
type MxProperties struct {
	Subject      string        `json:"subject"`
	ReplySubject string        `json:"reply_subject,omitempty"`
	MaxParallel  int           `json:"max_parallel"`
	MaxRetry     int           `json:"max_retry"`
	TTL          time.Duration `json:"ttl"`
	AckMode      AckMode       `json:"ack_mode"`
	Pattern      Pattern       `json:"pattern"`
	CacheSize    int           `json:"cache_size"`

	node *Node
}

// DefaultMxProperties returns the defaults for subject.
func DefaultMxProperties(subject string) MxProperties {
	return MxProperties{
		Subject:     subject,
		MaxParallel: DefaultMaxParallel,
		MaxRetry:    DefaultMaxRetry,
		TTL:         DefaultTTL,
		AckMode:     AckNone,
		Pattern:     PatternOne,
		CacheSize:   DefaultCacheSize,
	}
}

// normalize replaces out of range values with defaults.
func (p *MxProperties) normalize() {
	if p.MaxParallel < 1 {
		p.MaxParallel = DefaultMaxParallel
	}
	if p.MaxRetry < 0 {
		p.MaxRetry = 0
	}
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}
	if p.CacheSize < 0 {
		p.CacheSize = 0
	}
}

// Apply stores the properties on the node they were read from.
func (p MxProperties) Apply() error {
	if p.node == nil {
		return ErrDetachedProperties
	}
	return p.node.ApplyMxProperties(p)
}
