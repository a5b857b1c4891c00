package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"throttletalk/server/internal/bridge"
	"throttletalk/server/internal/core"
	"throttletalk/server/internal/httpapi"
	"throttletalk/server/internal/relay"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	if RunCLI(os.Args[1:]) {
		return
	}

	host := flag.String("host", envString("THROTTLETALK_HOST", "0.0.0.0"), "UDP listen host")
	port := flag.Int("port", envInt("THROTTLETALK_PORT", 9000), "UDP listen port")
	maxChannels := flag.Int("max-channels", envInt("THROTTLETALK_MAX_CHANNELS", 100), "Soft cap on concurrent channels")
	maxParticipants := flag.Int("max-participants", envInt("THROTTLETALK_MAX_PARTICIPANTS", 40), "Hard cap on participants per channel")
	heartbeatTimeout := flag.Int("heartbeat-timeout", envInt("THROTTLETALK_HEARTBEAT_TIMEOUT", 10), "Seconds without a heartbeat before eviction")
	heartbeatInterval := flag.Int("heartbeat-interval", envInt("THROTTLETALK_HEARTBEAT_INTERVAL", 3), "Seconds between stale-participant sweeps")
	apiAddr := flag.String("api-addr", envString("THROTTLETALK_API_ADDR", ""), "HTTP status API listen address (empty disables)")
	bridgeAddr := flag.String("bridge-addr", envString("THROTTLETALK_BRIDGE_ADDR", ""), "WebTransport bridge listen address (empty disables)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Debug logging is on for dev builds and whenever -debug is set.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := core.Config{
		MaxChannels:               *maxChannels,
		MaxParticipantsPerChannel: *maxParticipants,
		HeartbeatTimeout:          time.Duration(*heartbeatTimeout) * time.Second,
		HeartbeatInterval:         time.Duration(*heartbeatInterval) * time.Second,
	}

	slog.Info("starting server", "version", Version, "host", *host, "port", *port,
		"heartbeat_timeout", cfg.HeartbeatTimeout, "heartbeat_interval", cfg.HeartbeatInterval)

	registry := core.NewRegistry(cfg)
	srv := relay.New(cfg, registry)
	if err := srv.Listen(*host, *port); err != nil {
		slog.Error("bind failed", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received termination signal, shutting down")
		cancel()
	}()

	go RunMetrics(ctx, srv, metricsInterval)

	if *apiAddr != "" {
		api := httpapi.New(registry, srv.Stats)
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				slog.Error("http api error", "err", err)
			}
		}()
	}

	if *bridgeAddr != "" {
		b, err := bridge.New(*bridgeAddr, srv.LocalAddr())
		if err != nil {
			slog.Error("bridge setup failed", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := b.Run(ctx); err != nil {
				slog.Error("bridge error", "err", err)
			}
		}()
	}

	if err := srv.Serve(ctx); err != nil {
		slog.Error("relay error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// envString returns the environment value for key, or fallback when unset.
func envString(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

// envInt returns the environment value for key parsed as an int, or fallback
// when unset or unparsable.
func envInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
