package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"apparatuslink/internal/apparatus"
	"apparatuslink/internal/server"
	"apparatuslink/internal/tracelog"
	"apparatuslink/web"
)

func main() {
	configPath := flag.String("config", "/etc/apparatuslink/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against the built-in apparatus simulator")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	port := flag.String("port", "", "Override serial port path (implies a serial link)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] apparatusd starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Apparatus.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *port != "" {
		cfg.Apparatus.PortPath = *port
		cfg.Apparatus.Type = "serial"
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	trace := tracelog.New(tracelog.Config{
		Enabled: cfg.Trace.Enabled,
		Path:    cfg.Trace.Path,
	})
	defer trace.Close()

	app := apparatus.New(apparatus.Config{
		Type:         cfg.Apparatus.Type,
		Port:         cfg.Apparatus.PortPath,
		Baud:         cfg.Apparatus.BaudRate,
		AckTimeoutMs: cfg.Apparatus.AckTimeoutMs,
		RateLimitMs:  cfg.Apparatus.RateLimitMs,
		Debug:        cfg.Apparatus.Debug,
		Trace:        trace,
	})
	defer app.Close()

	// Connect with exponential backoff (non-blocking — the monitor starts regardless)
	go connectWithRetry(ctx, app, 10)

	srv := server.New(cfg, app, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, app *apparatus.Apparatus, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := app.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[apparatus] connect attempt %d/%d failed: %v (retry in %v)",
					attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[apparatus] connect attempt %d failed: %v (retry in %v)",
					attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[apparatus] connected (attempt %d)", attempt+1)
			return
		}
	}
}
