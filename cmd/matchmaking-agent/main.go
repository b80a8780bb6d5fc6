package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cheildo/nexus-clash-matchmaker/internal/event"
	"github.com/cheildo/nexus-clash-matchmaker/internal/eventsink"
	"github.com/cheildo/nexus-clash-matchmaker/internal/history"
	"github.com/cheildo/nexus-clash-matchmaker/internal/lobby"
	"github.com/cheildo/nexus-clash-matchmaker/internal/matchmaking"
	"github.com/cheildo/nexus-clash-matchmaker/internal/pkg/database"
	"github.com/cheildo/nexus-clash-matchmaker/internal/pkg/kafka"
	"github.com/cheildo/nexus-clash-matchmaker/internal/pkg/redis"
	"github.com/cheildo/nexus-clash-matchmaker/internal/relay"
	"github.com/cheildo/nexus-clash-matchmaker/internal/transport"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	// --- Configuration Loading ---
	flags := pflag.NewFlagSet("matchmaking-agent", pflag.ExitOnError)
	flags.String("config-dir", "./configs/development", "directory holding matchmaking-agent.yaml")
	flags.String("player-id", "", "player id used for lobbies (default: random uuid)")
	flags.Bool("host", false, "skip quick-join and host a lobby directly")
	flags.Parse(os.Args[1:])
	viper.BindPFlags(flags)

	if err := loadConfig(viper.GetString("config-dir")); err != nil {
		slog.Error("Failed to read configuration file", "error", err)
		return err
	}

	playerID := viper.GetString("player-id")
	if playerID == "" {
		playerID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Redis Connection ---
	dialCtx, cancelDial := context.WithTimeout(ctx, 5*time.Second)
	rdb, err := redis.NewClient(dialCtx, redis.Config{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})
	cancelDial()
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		return err
	}
	defer rdb.Close()
	slog.Info("Redis connection successful.")

	// --- Dependency Injection ---
	bus := event.NewBus[event.Event](ctx, event.BusOptions{Name: "matchmaking"})
	dir := lobby.NewRedisDirectory(rdb, lobby.RedisConfig{
		KeyPrefix: viper.GetString("lobby.key_prefix"),
		TTL:       viper.GetDuration("lobby.ttl"),
	})
	alloc := relay.NewHTTPClient(viper.GetString("relay.base_url"), &http.Client{
		Timeout: viper.GetDuration("matchmaking.call_timeout"),
	})
	tr := transport.NewWebsocketTransport(transport.Options{
		Secure: viper.GetBool("relay.secure"),
	})
	defer tr.Close()

	if viper.GetBool("history.enabled") {
		startHistory(ctx, bus)
	}
	if viper.GetBool("kafka.enabled") {
		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers: viper.GetStringSlice("kafka.brokers"),
			Topic:   viper.GetString("kafka.topic"),
			Async:   true,
		})
		defer producer.Close()
		go eventsink.NewKafkaSink(producer, bus).Run(ctx)
	}

	cfg := matchmaking.DefaultConfig()
	cfg.PlayerID = playerID
	cfg.LobbyName = viper.GetString("matchmaking.lobby_name")
	cfg.MaxConnections = viper.GetInt("matchmaking.max_connections")
	cfg.Visibility = lobby.Visibility(viper.GetString("matchmaking.visibility"))
	cfg.HeartbeatInterval = viper.GetDuration("matchmaking.heartbeat_interval")
	cfg.CallTimeout = viper.GetDuration("matchmaking.call_timeout")
	cfg.PeerTimeout = viper.GetDuration("matchmaking.peer_timeout")
	coordinator := matchmaking.NewCoordinator(dir, alloc, tr, bus, cfg)

	statusEvents, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	failed := make(chan error, 1)
	go reportStatus(ctx, statusEvents, tr, failed)

	// --- Start Matchmaking ---
	go func() {
		start := coordinator.FindMatch
		if viper.GetBool("host") {
			start = coordinator.CreateMatch
		}
		if err := start(ctx); err != nil {
			slog.Error("Matchmaking did not complete", "playerID", playerID, "error", err)
			notifyFailure(failed, err)
		}
	}()
	slog.Info("Matchmaking agent started", "playerID", playerID)

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	matchErr := awaitShutdown(quit, tr.Done(), failed)

	slog.Info("Shutting down matchmaking agent...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	coordinator.Close(shutdownCtx)
	cancel()
	slog.Info("Matchmaking agent stopped.")
	return matchErr
}

// loadConfig reads matchmaking-agent.yaml from dir, if present. Environment
// variables override keys with dots replaced by underscores, e.g. REDIS_ADDR.
func loadConfig(dir string) error {
	viper.SetConfigName("matchmaking-agent")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(dir)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		slog.Warn("No configuration file found, using defaults")
	}
	return nil
}

// awaitShutdown blocks until a signal arrives, the relay connection ends or
// matchmaking fails, and returns the failure if there was one.
func awaitShutdown(quit <-chan os.Signal, done <-chan struct{}, failed <-chan error) error {
	select {
	case <-quit:
		return nil
	case <-done:
		slog.Info("Relay connection ended")
		return nil
	case err := <-failed:
		return err
	}
}

// notifyFailure reports err without blocking; only the first failure counts.
func notifyFailure(failed chan<- error, err error) {
	select {
	case failed <- err:
	default:
	}
}

func setDefaults() {
	def := matchmaking.DefaultConfig()
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("relay.base_url", "http://localhost:8090/v1")
	viper.SetDefault("lobby.key_prefix", "lobby")
	viper.SetDefault("lobby.ttl", "30s")
	viper.SetDefault("matchmaking.lobby_name", def.LobbyName)
	viper.SetDefault("matchmaking.max_connections", def.MaxConnections)
	viper.SetDefault("matchmaking.visibility", string(def.Visibility))
	viper.SetDefault("matchmaking.heartbeat_interval", def.HeartbeatInterval)
	viper.SetDefault("matchmaking.call_timeout", def.CallTimeout)
	viper.SetDefault("matchmaking.peer_timeout", def.PeerTimeout)
	viper.SetDefault("kafka.topic", "matchmaking-events")
}

func startHistory(ctx context.Context, bus *event.Bus[event.Event]) {
	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	db, err := database.NewPostgresDB(dbCtx, database.Config{
		DSN:          viper.GetString("history.dsn"),
		MaxOpenConns: 2,
	})
	if err != nil {
		slog.Error("Failed to connect to history database, history disabled", "error", err)
		return
	}
	repo := history.NewRepository(db)
	if err := repo.EnsureSchema(dbCtx); err != nil {
		db.Close()
		return
	}
	go func() {
		defer db.Close()
		history.NewRecorder(repo, bus).Run(ctx)
	}()
}

// reportStatus logs status text, greets the counterparty once matched and
// reports a failed attempt on failed.
func reportStatus(ctx context.Context, events <-chan event.Event, tr *transport.WebsocketTransport, failed chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case event.StateChanged:
				slog.Info("Matchmaking status", "state", e.State, "text", e.Text)
				if e.State == matchmaking.StateFailed.String() {
					notifyFailure(failed, errors.New(e.Text))
				}
			case event.MatchFound:
				if err := tr.Send([]byte("hello from " + e.PlayerID)); err != nil {
					slog.Warn("Failed to greet peer", "error", err)
				}
				go logFrames(tr)
			}
		}
	}
}

func logFrames(tr *transport.WebsocketTransport) {
	for frame := range tr.Messages() {
		slog.Info("Frame from peer", "bytes", len(frame), "payload", string(frame))
	}
}
