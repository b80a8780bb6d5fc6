package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/cheildo/nexus-clash-matchmaker/internal/event"
	"github.com/cheildo/nexus-clash-matchmaker/internal/matchmaking"
)

func TestAwaitShutdownReturnsMatchmakingFailure(t *testing.T) {
	quit := make(chan os.Signal)
	done := make(chan struct{})
	failed := make(chan error, 1)

	want := errors.New("allocate host: no relay capacity")
	notifyFailure(failed, want)
	notifyFailure(failed, errors.New("second failure is dropped"))

	result := make(chan error, 1)
	go func() { result <- awaitShutdown(quit, done, failed) }()
	select {
	case err := <-result:
		if !errors.Is(err, want) {
			t.Fatalf("expected %v, got %v", want, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent kept waiting after matchmaking failed")
	}
}

func TestAwaitShutdownOnRelayDisconnect(t *testing.T) {
	done := make(chan struct{})
	close(done)
	if err := awaitShutdown(make(chan os.Signal), done, make(chan error)); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestReportStatusSignalsFailedState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan event.Event, 2)
	failed := make(chan error, 1)
	go reportStatus(ctx, events, nil, failed)

	events <- event.NewStateChanged("player-1", matchmaking.StateWaitingForPeer.String(), matchmaking.TextWaitingForPeer)
	events <- event.NewStateChanged("player-1", matchmaking.StateFailed.String(), matchmaking.TextFailedPrefix+"no peer connected")

	select {
	case err := <-failed:
		if err.Error() != matchmaking.TextFailedPrefix+"no peer connected" {
			t.Fatalf("unexpected failure %q", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failed state was not reported")
	}
}

func TestLoadConfigAppliesUnderscoreEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	yaml := []byte("redis:\n  addr: \"localhost:6379\"\nmatchmaking:\n  lobby_name: \"from-file\"\n")
	if err := os.WriteFile(filepath.Join(dir, "matchmaking-agent.yaml"), yaml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("REDIS_ADDR", "redis.internal:6380")

	if err := loadConfig(dir); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := viper.GetString("redis.addr"); got != "redis.internal:6380" {
		t.Fatalf("expected env override, got %q", got)
	}
	if got := viper.GetString("matchmaking.lobby_name"); got != "from-file" {
		t.Fatalf("expected file value, got %q", got)
	}
}

func TestLoadConfigWithoutFileUsesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	if err := loadConfig(t.TempDir()); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := viper.GetString("relay.base_url"); got != "http://localhost:8090/v1" {
		t.Fatalf("unexpected default base url %q", got)
	}
}
