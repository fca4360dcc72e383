package api

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/VanDung-dev/Neuropil-Engine/engine"
	"github.com/VanDung-dev/Neuropil-Engine/network"
)

type fakeNode struct {
	mu      sync.Mutex
	sent    map[string][]byte
	joined  []string
	status  engine.Status
	sendErr error
}

func newFakeNode() *fakeNode {
	return &fakeNode{sent: make(map[string][]byte), status: engine.StatusRunning}
}

func (f *fakeNode) Send(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[subject] = data
	return nil
}

func (f *fakeNode) Join(address string) error {
	if _, err := network.ParseAddress(address); err != nil {
		return err
	}
	f.mu.Lock()
	f.joined = append(f.joined, address)
	f.mu.Unlock()
	return nil
}

func (f *fakeNode) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeNode) Stats() engine.NodeStats {
	return engine.NodeStats{Fingerprint: "self", Status: f.Status().String(), Peers: 2, Subjects: []string{"tick"}}
}

func (f *fakeNode) RequestSysinfo(ctx context.Context, fp string) (engine.Sysinfo, error) {
	switch fp {
	case "self":
		return engine.Sysinfo{Node: "self", Status: "running", Subjects: []string{"tick"}}, nil
	case "slow":
		<-ctx.Done()
		return engine.Sysinfo{}, fmt.Errorf("%w: %v", engine.ErrTimeout, ctx.Err())
	}
	return engine.Sysinfo{}, fmt.Errorf("%w: %s", network.ErrPeerNotFound, fp)
}

func startTestServer(t *testing.T, node Node, auth AuthConfig, token string) *Client {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Auth = auth
	srv := NewServer(node, cfg)

	lis := bufconn.Listen(1024 * 1024)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn, token)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSend(t *testing.T) {
	node := newFakeNode()
	client := startTestServer(t, node, AuthConfig{}, "")
	ctx := testContext(t)

	if err := client.Send(ctx, "tick", []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	node.mu.Lock()
	got := string(node.sent["tick"])
	node.mu.Unlock()
	if got != "hello" {
		t.Errorf("Expected payload hello, got %q", got)
	}

	err := client.Send(ctx, "", []byte("x"))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Expected InvalidArgument, got %v", err)
	}
}

func TestSendErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{engine.ErrNotRunning, codes.FailedPrecondition},
		{engine.ErrShutdown, codes.FailedPrecondition},
		{fmt.Errorf("%w: tick", engine.ErrNoReceiver), codes.Unavailable},
		{fmt.Errorf("boom"), codes.Internal},
	}

	node := newFakeNode()
	client := startTestServer(t, node, AuthConfig{}, "")
	for _, tt := range tests {
		node.mu.Lock()
		node.sendErr = tt.err
		node.mu.Unlock()

		err := client.Send(testContext(t), "tick", nil)
		if status.Code(err) != tt.want {
			t.Errorf("Send with %v: expected %s, got %v", tt.err, tt.want, err)
		}
	}
}

func TestJoin(t *testing.T) {
	node := newFakeNode()
	client := startTestServer(t, node, AuthConfig{}, "")
	ctx := testContext(t)

	if err := client.Join(ctx, "*:tcp4:localhost:4444"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	node.mu.Lock()
	joined := append([]string(nil), node.joined...)
	node.mu.Unlock()
	if len(joined) != 1 {
		t.Errorf("Expected one join, got %v", joined)
	}

	if err := client.Join(ctx, "nonsense"); status.Code(err) != codes.InvalidArgument {
		t.Errorf("Expected InvalidArgument for a bad address, got %v", err)
	}
	if err := client.Join(ctx, ""); status.Code(err) != codes.InvalidArgument {
		t.Errorf("Expected InvalidArgument for an empty address, got %v", err)
	}
}

func TestStatusAndHealth(t *testing.T) {
	node := newFakeNode()
	client := startTestServer(t, node, AuthConfig{}, "")
	ctx := testContext(t)

	stats, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if stats["fingerprint"] != "self" || stats["peers"] != float64(2) {
		t.Errorf("Unexpected stats %v", stats)
	}

	health, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health["healthy"] != true || health["version"] != Version {
		t.Errorf("Unexpected health %v", health)
	}

	node.mu.Lock()
	node.status = engine.StatusStopped
	node.mu.Unlock()
	health, err = client.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health["healthy"] != false || health["status"] != "stopped" {
		t.Errorf("Expected unhealthy stopped node, got %v", health)
	}
}

func TestSysinfo(t *testing.T) {
	client := startTestServer(t, newFakeNode(), AuthConfig{}, "")

	info, err := client.Sysinfo(testContext(t), "self")
	if err != nil {
		t.Fatalf("Sysinfo failed: %v", err)
	}
	if info["node"] != "self" {
		t.Errorf("Unexpected sysinfo %v", info)
	}

	_, err = client.Sysinfo(testContext(t), "unknown")
	if status.Code(err) != codes.NotFound {
		t.Errorf("Expected NotFound, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = client.Sysinfo(ctx, "slow")
	if status.Code(err) != codes.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestAuthRequired(t *testing.T) {
	auth := AuthConfig{Enabled: true, Token: "secret"}

	anonymous := startTestServer(t, newFakeNode(), auth, "")
	if _, err := anonymous.Health(testContext(t)); status.Code(err) != codes.Unauthenticated {
		t.Errorf("Expected Unauthenticated without token, got %v", err)
	}

	wrong := startTestServer(t, newFakeNode(), auth, "guess")
	if _, err := wrong.Health(testContext(t)); status.Code(err) != codes.Unauthenticated {
		t.Errorf("Expected Unauthenticated with wrong token, got %v", err)
	}

	good := startTestServer(t, newFakeNode(), auth, "secret")
	if _, err := good.Health(testContext(t)); err != nil {
		t.Errorf("Expected success with token, got %v", err)
	}
}

func TestServerStopIdempotent(t *testing.T) {
	srv := NewServer(newFakeNode(), nil)
	srv.Stop()

	addr, err := srv.StartAsync("127.0.0.1:0")
	if err != nil {
		t.Fatalf("StartAsync failed: %v", err)
	}
	if addr == "" {
		t.Error("Expected bound address")
	}

	client, err := Dial(addr, "")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	if _, err := client.Health(testContext(t)); err != nil {
		t.Errorf("Health over tcp failed: %v", err)
	}

	srv.Stop()
	srv.Stop()
}
