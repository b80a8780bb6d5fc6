package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/cheildo/nexus-clash-matchmaker/internal/pkg/redis"
	"github.com/cheildo/nexus-clash-matchmaker/internal/relay"
)

const serviceName = "nexusclash.relay.v1.RelayService"

// Main application struct to hold dependencies.
type application struct {
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

func main() {
	// --- Configuration ---
	flags := pflag.NewFlagSet("relay-service", pflag.ExitOnError)
	flags.String("config-dir", "./configs/development", "directory holding relay-service.yaml")
	flags.Parse(os.Args[1:])
	viper.BindPFlags(flags)

	if err := loadConfig(viper.GetString("config-dir")); err != nil {
		slog.Error("Failed to read configuration file", "error", err)
		os.Exit(1)
	}

	// --- Redis Connection ---
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rdb, err := redis.NewClient(ctx, redis.Config{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})
	cancel()
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("Redis connection successful.")

	// --- Dependency Injection ---
	tokens, err := relay.NewTokens(viper.GetString("relay.token_secret"), viper.GetDuration("relay.token_ttl"))
	if err != nil {
		slog.Error("Invalid relay token settings", "error", err)
		os.Exit(1)
	}
	store := relay.NewRedisStore(rdb, viper.GetDuration("relay.allocation_ttl"))
	svc := relay.NewService(store, tokens, relay.Config{
		PublicAddress: viper.GetString("relay.public_address"),
		PublicPort:    uint16(viper.GetUint("relay.public_port")),
	})
	hub := relay.NewHub(tokens)

	app := &application{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%s", viper.GetString("http_server.port")),
			Handler: relay.NewRouter(relay.NewHTTPHandler(svc), hub),
		},
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
	}

	// --- Start Servers ---
	go app.startHTTPServer()
	go app.startGRPCServer(viper.GetString("grpc_server.port"))
	startDiagnosticsServer(viper.GetString("diagnostics.port"))

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down servers...")
	app.health.Shutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}
	app.grpcServer.GracefulStop()
	rdb.Close()
	slog.Info("Servers shut down gracefully.", "openRooms", hub.Rooms())
}

// loadConfig reads relay-service.yaml from dir. Environment variables
// override keys with dots replaced by underscores, e.g. RELAY_TOKEN_SECRET.
func loadConfig(dir string) error {
	viper.SetConfigName("relay-service")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(dir)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()
	return viper.ReadInConfig()
}

func setDefaults() {
	viper.SetDefault("http_server.port", "8090")
	viper.SetDefault("grpc_server.port", "50090")
	viper.SetDefault("diagnostics.port", "6090")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("relay.public_address", "127.0.0.1")
	viper.SetDefault("relay.public_port", 8090)
	viper.SetDefault("relay.token_ttl", "10m")
	viper.SetDefault("relay.allocation_ttl", "1h")
}

func (app *application) startHTTPServer() {
	slog.Info("Relay HTTP server starting...", "address", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Could not start server", "error", err)
		os.Exit(1)
	}
}

func (app *application) startGRPCServer(port string) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		slog.Error("Failed to listen on gRPC port", "port", port, "error", err)
		os.Exit(1)
	}

	healthpb.RegisterHealthServer(app.grpcServer, app.health)
	app.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	// Enable gRPC reflection for grpcurl.
	reflection.Register(app.grpcServer)

	slog.Info("Relay gRPC health server listening", "address", lis.Addr().String())
	if err := app.grpcServer.Serve(lis); err != nil {
		slog.Error("gRPC server failed to serve", "error", err)
	}
}

func startDiagnosticsServer(port string) {
	go func() {
		slog.Info("Starting diagnostics server", "port", port)
		if err := http.ListenAndServe(fmt.Sprintf(":%s", port), nil); err != nil {
			slog.Error("Diagnostics server failed to start", "error", err)
		}
	}()
}
