// Copyright 2026 The Muster Authors
// SPDX-License-Identifier: Apache-2.0

// Musterd is the master daemon. It terminates minion connections on
// two TCP sockets: the request interface, where minions authenticate
// and submit RPCs, and the publish interface, where subscribed
// minions receive encrypted job broadcasts.
//
// On startup:
//  1. Loads (or generates) the master key material under pki_dir.
//  2. Derives the shared job secret and starts its rotation timer.
//  3. Opens the minion key trust store.
//  4. Binds the request and publish listeners and serves until
//     SIGINT/SIGTERM.
//
// Handled requests and presence changes are fired on an in-process
// event bus; external returners subscribe there.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/muster-project/muster/channel"
	"github.com/muster-project/muster/keystore"
	"github.com/muster-project/muster/lib/clock"
	"github.com/muster-project/muster/lib/codec"
	"github.com/muster-project/muster/lib/config"
	"github.com/muster-project/muster/lib/eventbus"
	"github.com/muster-project/muster/lib/masterkeys"
	"github.com/muster-project/muster/lib/secret"
	"github.com/muster-project/muster/lib/version"
	"github.com/muster-project/muster/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "/etc/muster/master", "path to the master configuration file")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("musterd %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", logLevel)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := masterkeys.Load(cfg.PKIDir, cfg.MasterSignPubKey, cfg.SigningKeyPass)
	if err != nil {
		return fmt.Errorf("loading master keys: %w", err)
	}
	logger.Info("master keys ready", "pki_dir", cfg.PKIDir, "fingerprint", masterkeys.Fingerprint(keys.PublicKey()))

	store, err := keystore.NewFS(cfg.MinionKeyDir())
	if err != nil {
		return fmt.Errorf("opening minion key store: %w", err)
	}

	shared, err := secret.NewShared()
	if err != nil {
		return fmt.Errorf("deriving shared secret: %w", err)
	}
	defer shared.Close()

	clk := clock.Real()
	bus := eventbus.New(logger)
	defer bus.Close()
	go logEvents(ctx, bus, logger)

	var connected channel.ConnectedSet
	if cfg.ConCache {
		connected = channel.NewMemoryConnected()
	}

	pubAddress := fmt.Sprintf(":%d", cfg.PublishPort)
	var publish *channel.PublishServer
	pubTransport, err := transport.NewPubServer(pubAddress, transport.PresenceHooks{
		// publish is assigned below, before Serve starts accepting.
		OnSubscribe:   func(sub any, msg map[string]any) { publish.PresenceCallback(sub, msg) },
		OnUnsubscribe: func(sub any) { publish.RemovePresenceCallback(sub) },
	}, logger)
	if err != nil {
		return fmt.Errorf("binding publish interface %s: %w", pubAddress, err)
	}

	publish, err = channel.NewPublishServer(channel.PublishServerConfig{
		Config:    cfg,
		Transport: pubTransport,
		Keys:      keys,
		Secret:    shared,
		Store:     store,
		Verifier:  channel.TokenValidator{Keys: keys, Store: store},
		Events:    bus,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer publish.Close()

	// Loads handed to the publish daemon (by request handlers, or by
	// master-side tooling through the transport) go out wrapped.
	pubTransport.SetPublishHandler(func(blob []byte) error {
		var load map[string]any
		if err := codec.Unmarshal(blob, &load); err != nil {
			return fmt.Errorf("decoding publish load: %w", err)
		}
		return publish.PublishPayload(load)
	})

	request, err := channel.NewRequestServer(channel.RequestServerConfig{
		Config:    cfg,
		Store:     store,
		Keys:      keys,
		Secret:    shared,
		Connected: connected,
		Events:    bus,
		Clock:     clk,
		Logger:    logger,
		Handler:   busHandler(bus),
	})
	if err != nil {
		return err
	}

	reqServer, err := transport.NewReqServer(cfg.Interface, request.HandleMessage, logger)
	if err != nil {
		return fmt.Errorf("binding request interface %s: %w", cfg.Interface, err)
	}

	if cfg.PubServerNiceness != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, cfg.PubServerNiceness); err != nil {
			logger.Warn("cannot set niceness", "niceness", cfg.PubServerNiceness, "error", err)
		}
	}

	go rotateSecret(ctx, shared, cfg, clk, logger)

	logger.Info("musterd serving",
		"version", version.Info(),
		"request", reqServer.Address(),
		"publish", pubTransport.Address())

	errs := make(chan error, 2)
	go func() { errs <- reqServer.Serve(ctx) }()
	go func() { errs <- pubTransport.Serve(ctx) }()

	// First server error (or nil on shutdown) ends the daemon; close
	// the other listener and drain it.
	err = <-errs
	reqServer.Close()
	pubTransport.Close()
	if second := <-errs; err == nil {
		err = second
	}
	return err
}

// loadConfig reads the configuration file, falling back to the
// built-in defaults when the default path does not exist.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

// busHandler forwards decrypted minion requests onto the event bus.
// Returners and the job cache subscribe to "request/<cmd>" tags.
func busHandler(bus *eventbus.Bus) channel.PayloadHandler {
	return func(_ context.Context, payload map[string]any) (any, channel.ReplyOptions, error) {
		// The handler receives the full envelope; the command lives
		// inside the decrypted load.
		load, _ := payload["load"].(map[string]any)
		cmd, _ := load["cmd"].(string)
		if cmd == "" {
			cmd = "unknown"
		}
		bus.Fire("request/"+cmd, payload)
		return true, channel.ReplyOptions{}, nil
	}
}

// logEvents mirrors bus traffic into the structured log so operators
// can follow handshakes and presence without an external returner.
func logEvents(ctx context.Context, bus *eventbus.Bus, logger *slog.Logger) {
	events, cancel := bus.Subscribe("", 256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logger.Debug("event", "tag", event.Tag, "data", event.Data)
		}
	}
}

// rotateSecret rotates the shared job secret every publish_session
// interval. Minions pick the new secret up on their next handshake;
// established ones get one decrypt retry while they re-auth.
func rotateSecret(ctx context.Context, shared *secret.Shared, cfg config.Config, clk clock.Clock, logger *slog.Logger) {
	ticker := clk.NewTicker(cfg.PublishSession())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			epoch, err := shared.Rotate()
			if err != nil {
				logger.Error("shared secret rotation failed", "error", err)
				continue
			}
			logger.Info("shared secret rotated", "epoch", epoch)
		}
	}
}
