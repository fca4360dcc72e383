package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/Neuropil-Engine/arrow"
	"github.com/VanDung-dev/Neuropil-Engine/data"
	"github.com/VanDung-dev/Neuropil-Engine/logging"
)

// Response status bytes of the ledger protocol
const (
	ledgerOK    byte = 'O'
	ledgerError byte = 'E'
)

const ledgerIOTimeout = 10 * time.Second

// ErrLedgerRequest is returned by FetchLedger when the server rejects the
// query.
var ErrLedgerRequest = errors.New("ledger request rejected")

// LedgerSource provides the entries a LedgerServer exports.
type LedgerSource interface {
	Ledger() []data.LedgerEntry
}

// LedgerQuery selects ledger entries. Zero fields match everything.
type LedgerQuery struct {
	Token   string    `json:"token,omitempty"`
	Since   time.Time `json:"since,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Subject string    `json:"subject,omitempty"`
	// Limit keeps only the newest Limit entries.
	Limit int `json:"limit,omitempty"`
}

// Match reports whether e is selected by q, ignoring Limit.
func (q LedgerQuery) Match(e data.LedgerEntry) bool {
	if !q.Since.IsZero() && e.Time.Before(q.Since) {
		return false
	}
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if q.Subject != "" && e.Subject != q.Subject {
		return false
	}
	return true
}

// Apply filters entries, keeping their order.
func (q LedgerQuery) Apply(entries []data.LedgerEntry) []data.LedgerEntry {
	out := make([]data.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if q.Match(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// LedgerServer exports the accounting ledger as Arrow IPC streams over
// length-prefixed TCP frames. Every request frame holds a JSON LedgerQuery;
// the response is a status byte followed by the IPC stream or an error text.
type LedgerServer struct {
	source LedgerSource
	auth   *Authenticator
	ipc    *arrow.IPCWriter
	log    zerolog.Logger

	listener net.Listener
	running  bool
	mu       sync.Mutex
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewLedgerServer creates a ledger server over source.
func NewLedgerServer(source LedgerSource, auth AuthConfig, log zerolog.Logger) *LedgerServer {
	return &LedgerServer{
		source: source,
		auth:   NewAuthenticator(auth),
		ipc:    arrow.NewIPCWriter(),
		log:    logging.Component(log, "ledger"),
		quit:   make(chan struct{}),
	}
}

// StartAsync listens on address and serves in the background. It returns
// the bound address.
func (s *LedgerServer) StartAsync(address string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return "", fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(lis)

	s.log.Info().Str(logging.ADDR, lis.Addr().String()).Msg("ledger server listening")
	return lis.Addr().String(), nil
}

// Stop closes the listener and waits for open connections.
func (s *LedgerServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.quit)
	if err := s.listener.Close(); err != nil {
		s.log.Debug().Err(err).Msg("closing listener")
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *LedgerServer) acceptLoop(lis net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.log.Warn().Err(err).Msg("accept failed")
				time.Sleep(10 * time.Millisecond)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection serves queries until the client hangs up.
func (s *LedgerServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			_ = conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		_ = conn.SetDeadline(time.Now().Add(ledgerIOTimeout))
		req, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Str(logging.ADDR, conn.RemoteAddr().String()).Msg("read failed")
			}
			return
		}

		resp := s.process(req)
		if err := WriteFrame(conn, resp); err != nil {
			s.log.Debug().Err(err).Msg("write failed")
			return
		}
	}
}

func (s *LedgerServer) process(req []byte) []byte {
	var q LedgerQuery
	if err := json.Unmarshal(req, &q); err != nil {
		return errorFrame(fmt.Errorf("invalid query: %w", err))
	}
	if err := s.auth.ValidateToken(q.Token); err != nil {
		return errorFrame(err)
	}

	entries := q.Apply(s.source.Ledger())
	var buf bytes.Buffer
	buf.WriteByte(ledgerOK)
	if err := s.ipc.WriteLedger(&buf, entries); err != nil {
		s.log.Error().Err(err).Msg("failed to encode ledger")
		return errorFrame(err)
	}
	s.log.Debug().Int("entries", len(entries)).Msg("ledger exported")
	return buf.Bytes()
}

func errorFrame(err error) []byte {
	return append([]byte{ledgerError}, err.Error()...)
}

// FetchLedger queries the ledger server at address.
func FetchLedger(ctx context.Context, address string, q LedgerQuery) ([]data.LedgerEntry, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(ledgerIOTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	req, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, req); err != nil {
		return nil, err
	}
	resp, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrLedgerRequest)
	}

	switch resp[0] {
	case ledgerOK:
		return arrow.NewIPCWriter().ReadLedger(bytes.NewReader(resp[1:]))
	case ledgerError:
		return nil, fmt.Errorf("%w: %s", ErrLedgerRequest, resp[1:])
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrLedgerRequest, resp[0])
	}
}
