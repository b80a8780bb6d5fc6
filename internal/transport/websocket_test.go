package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cheildo/nexus-clash-matchmaker/internal/relay"
	"github.com/cheildo/nexus-clash-matchmaker/internal/session"
)

// newRelay starts a relay service whose advertised endpoint is the test server itself.
func newRelay(t *testing.T) relay.Allocator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	server := httptest.NewUnstartedServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	tokens, err := relay.NewTokens("transport-test-secret-0123", time.Minute)
	if err != nil {
		t.Fatalf("new tokens: %v", err)
	}
	svc := relay.NewService(relay.NewRedisStore(rdb, time.Hour), tokens, relay.Config{
		PublicAddress: host,
		PublicPort:    uint16(port),
	})
	server.Config.Handler = relay.NewRouter(relay.NewHTTPHandler(svc), relay.NewHub(tokens))
	server.Start()
	return svc
}

func allocatePair(t *testing.T, alloc relay.Allocator) (session.Credentials, session.Credentials) {
	t.Helper()
	ctx := context.Background()
	host, err := alloc.AllocateHost(ctx, 1)
	if err != nil {
		t.Fatalf("allocate host: %v", err)
	}
	code, err := alloc.JoinCode(ctx, host.AllocationID())
	if err != nil {
		t.Fatalf("join code: %v", err)
	}
	joiner, err := alloc.JoinByCode(ctx, code)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	return host, joiner
}

func TestHostSeesPeerAndExchangesFrames(t *testing.T) {
	alloc := newRelay(t)
	hostCreds, joinerCreds := allocatePair(t, alloc)
	ctx := context.Background()

	host := NewWebsocketTransport(Options{})
	t.Cleanup(func() { host.Close() })
	peers := make(chan string, 1)
	cancel := host.OnPeerConnected(func(peerID string) { peers <- peerID })
	defer cancel()

	if err := host.StartHost(ctx, hostCreds); err != nil {
		t.Fatalf("start host: %v", err)
	}

	joiner := NewWebsocketTransport(Options{})
	t.Cleanup(func() { joiner.Close() })
	if err := joiner.StartClient(ctx, joinerCreds); err != nil {
		t.Fatalf("start client: %v", err)
	}

	select {
	case peerID := <-peers:
		if peerID != joinerCreds.AllocationID() {
			t.Fatalf("expected peer %s, got %s", joinerCreds.AllocationID(), peerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer connected")
	}

	if err := joiner.Send([]byte("ping")); err != nil {
		t.Fatalf("joiner send: %v", err)
	}
	select {
	case got := <-host.Messages():
		if string(got) != "ping" {
			t.Fatalf("host received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame at host")
	}

	if err := host.Send([]byte("pong")); err != nil {
		t.Fatalf("host send: %v", err)
	}
	select {
	case got := <-joiner.Messages():
		if string(got) != "pong" {
			t.Fatalf("joiner received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame at joiner")
	}

	joiner.Close()
	select {
	case <-joiner.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("joiner transport did not finish after close")
	}
}

func TestStartChecksRole(t *testing.T) {
	alloc := newRelay(t)
	hostCreds, joinerCreds := allocatePair(t, alloc)
	tr := NewWebsocketTransport(Options{})

	if err := tr.StartClient(context.Background(), hostCreds); !errors.Is(err, ErrWrongRole) {
		t.Fatalf("expected ErrWrongRole, got %v", err)
	}
	if err := tr.StartHost(context.Background(), joinerCreds); !errors.Is(err, ErrWrongRole) {
		t.Fatalf("expected ErrWrongRole, got %v", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	alloc := newRelay(t)
	hostCreds, _ := allocatePair(t, alloc)

	tr := NewWebsocketTransport(Options{})
	t.Cleanup(func() { tr.Close() })
	if err := tr.StartHost(context.Background(), hostCreds); err != nil {
		t.Fatalf("start host: %v", err)
	}
	if err := tr.StartHost(context.Background(), hostCreds); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSendBeforeStart(t *testing.T) {
	tr := NewWebsocketTransport(Options{})
	if err := tr.Send([]byte("x")); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close of idle transport: %v", err)
	}
}

func TestCancelledListenerIsNotCalled(t *testing.T) {
	alloc := newRelay(t)
	hostCreds, joinerCreds := allocatePair(t, alloc)
	ctx := context.Background()

	host := NewWebsocketTransport(Options{})
	t.Cleanup(func() { host.Close() })

	called := make(chan string, 1)
	cancel := host.OnPeerConnected(func(peerID string) { called <- peerID })
	cancel()
	cancel()

	seen := make(chan string, 1)
	defer host.OnPeerConnected(func(peerID string) { seen <- peerID })()

	if err := host.StartHost(ctx, hostCreds); err != nil {
		t.Fatalf("start host: %v", err)
	}
	joiner := NewWebsocketTransport(Options{})
	t.Cleanup(func() { joiner.Close() })
	if err := joiner.StartClient(ctx, joinerCreds); err != nil {
		t.Fatalf("start client: %v", err)
	}

	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer connected")
	}
	select {
	case <-called:
		t.Fatal("cancelled listener was invoked")
	default:
	}
}
