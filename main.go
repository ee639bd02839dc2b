package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"carelink/internal/chat"
	"carelink/internal/codec"
	"carelink/internal/config"
	"carelink/internal/connection"
	"carelink/internal/filestore"
	"carelink/internal/presence"
	"carelink/internal/rest"
	"carelink/internal/router"
)

func run(ctx context.Context) error {
	conversations := flag.String("conversations", "", "Comma-separated conversation ids to open at startup")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.AuthToken == "" {
		return errors.New("AUTH_TOKEN is required")
	}

	wireCodec, err := codec.ByName(cfg.WireFormat)
	if err != nil {
		return err
	}

	manager := connection.NewManager(connection.Config{
		URL:                  cfg.BrokerURL,
		Codec:                wireCodec,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectDelay:       cfg.ReconnectDelay,
		ReconnectExponential: cfg.ReconnectExponential,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})

	topics := router.New(manager)

	var cache filestore.Store
	if cfg.CacheDir != "" {
		diskCache, err := filestore.NewDiskStore(cfg.CacheDir)
		if err != nil {
			return err
		}
		cache = diskCache
	}

	apiClient := rest.New(rest.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.AuthToken,
		Cache:   cache,
	})

	channel := chat.New(ctx, chat.Config{
		SelfID:        cfg.UserID,
		TypingTimeout: cfg.TypingTimeout,
		Window:        cfg.MessageWindow,
	}, topics, apiClient)

	tracker := presence.New(ctx, presence.Config{
		SelfID:            cfg.UserID,
		HeartbeatInterval: cfg.PresenceInterval,
	}, topics, manager)

	manager.OnStateChange(func(s connection.State) {
		slog.Info("connection state", "state", s)
	})

	for _, id := range splitList(*conversations) {
		channel.Open(id)
		tracker.TrackConversation(id)
	}

	if err := manager.Connect(ctx, cfg.AuthToken); err != nil {
		return err
	}

	<-ctx.Done()
	log.Println("Shutting down...")

	tracker.Shutdown()
	channel.Close()
	manager.Disconnect()
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
