package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/revmetrix/watchlink/internal/ble"
	"github.com/revmetrix/watchlink/internal/bridge"
	"github.com/revmetrix/watchlink/internal/config"
	"github.com/revmetrix/watchlink/internal/keepalive"
	"github.com/revmetrix/watchlink/internal/loop"
	"github.com/revmetrix/watchlink/internal/transport/ws"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/watchlink/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	cfg, path, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if path != "" {
		log.Printf("Config loaded from %s", path)
	} else {
		log.Println("No config file found, using defaults")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	codec, err := ws.CodecByName(cfg.Bridge.Codec)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The main loop owns all peripheral state. It outlives ctx so shutdown
	// work can still run on it.
	lp := loop.New()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		lp.Run(loopCtx)
	}()

	hub := ws.NewHub()
	br := bridge.New(ctx, lp, hub)

	stack := ble.NewTinyGoStack()
	server := ble.NewServer(stack, lp, br.Forward, ble.ServerOptions{})
	adv := ble.NewAdvertiser(stack, lp, br.Forward, cfg.BLE.AdvertiseInterval())

	var guardian *keepalive.Guardian
	var keep bridge.KeepAlive
	if cfg.KeepAlive.Enabled {
		host, err := keepalive.NewDBusHost()
		if err != nil {
			log.Printf("Keep-alive unavailable: %v", err)
		} else {
			defer host.Close()
			guardian = keepalive.New(host, keepalive.Config{
				Channel: keepalive.Channel{
					ID:   cfg.KeepAlive.ChannelID,
					Name: cfg.KeepAlive.ChannelName,
				},
				Indication: keepalive.Indication{
					Title: cfg.KeepAlive.Title,
					Body:  cfg.KeepAlive.Body,
					Icon:  cfg.KeepAlive.Icon,
				},
				InhibitWhat: cfg.KeepAlive.InhibitWhat,
			})
			keep = guardian
			log.Printf("Keep-alive ready (inhibit: %s)", cfg.KeepAlive.InhibitWhat)
		}
	}

	br.Bind(server, adv, keep)

	transport := ws.NewServer(br, hub, ws.Options{
		Addr:         cfg.Bridge.Listen,
		Path:         cfg.Bridge.Path,
		WriteTimeout: cfg.Bridge.WriteTimeout(),
		Codec:        codec,
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- transport.ListenAndServe() }()

	log.Printf("Ready! Channel at ws://%s%s. Ctrl+C to quit.", cfg.Bridge.Listen, cfg.Bridge.Path)

	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case err := <-serveErr:
		if err != nil {
			log.Printf("ERROR: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := lp.Call(shutdownCtx, adv.Stop); err != nil {
		log.Printf("ERROR: stop advertising: %v", err)
	}
	if guardian != nil {
		if err := guardian.Stop(); err != nil {
			log.Printf("ERROR: stop keep-alive: %v", err)
		}
	}
	if err := transport.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR: %v", err)
	}

	stopLoop()
	<-loopDone
	if err := stack.Close(); err != nil {
		log.Printf("ERROR: close bluetooth: %v", err)
	}
	log.Println("Goodbye!")
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== watchlink ===")
	fmt.Printf("  Protocol:  v%d\n", ble.ProtocolVersion)
	fmt.Printf("  Service:   %s\n", ble.ServiceUUID)
	fmt.Printf("  Interval:  %s\n", cfg.BLE.AdvertiseInterval())
	fmt.Printf("  Channel:   %s%s (%s)\n", cfg.Bridge.Listen, cfg.Bridge.Path, cfg.Bridge.Codec)
	fmt.Printf("  KeepAlive: %t\n", cfg.KeepAlive.Enabled)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
