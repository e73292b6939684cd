// Command saled serves one interactive-bid sale over vsock (or TCP for development).
//
// Environment:
//
//	SALED_MAX_WORKERS  maximum concurrent connections (required)
//	SALED_CONFIG       path to the sale YAML file (required)
//	SALED_DB           SQLite database for snapshots and the journal (optional)
//	SALED_LISTEN       TCP address to listen on instead of vsock (optional)
//	SALED_PORT         vsock port (default 5000)
//	SALED_METRICS      TCP address for the Prometheus /metrics endpoint (optional)
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cloudx-io/openiico/config"
	"github.com/cloudx-io/openiico/store"
)

func run(ctx context.Context) error {
	maxWorkers, err := getRequiredEnvInt("SALED_MAX_WORKERS")
	if err != nil {
		return fmt.Errorf("failed to get max workers config: %w", err)
	}
	configPath, err := getRequiredEnv("SALED_CONFIG")
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(getEnvDefault("SALED_PORT", "5000"), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid value for SALED_PORT: %w", err)
	}

	file, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var st *store.Store
	if dbPath := os.Getenv("SALED_DB"); dbPath != "" {
		st, err = store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open sale store: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				log.Printf("ERROR: Failed to close sale store: %v", err)
			}
		}()
		log.Printf("INFO: Sale store opened at %s", dbPath)
	} else {
		log.Printf("WARNING: SALED_DB not set, sale state is kept in memory only")
	}

	seq, err := NewSequencer(ctx, file, st, nil)
	if err != nil {
		return fmt.Errorf("failed to load sale: %w", err)
	}
	go seq.Run(ctx)

	listener, err := listen(uint32(port), os.Getenv("SALED_LISTEN"))
	if err != nil {
		return err
	}
	listeners := []net.Listener{listener}

	g, gctx := errgroup.WithContext(ctx)
	if addr := os.Getenv("SALED_METRICS"); addr != "" {
		metricsListener, err := net.Listen("tcp", addr)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("failed to create metrics listener: %w", err)
		}
		listeners = append(listeners, metricsListener)
		g.Go(func() error { return serveMetrics(metricsListener) })
	}
	g.Go(func() error {
		return NewSaleServer(seq, maxWorkers).Serve(listener)
	})
	// the first listener to fail or a signal closes them all
	g.Go(func() error {
		<-gctx.Done()
		for _, l := range listeners {
			if err := l.Close(); err != nil {
				log.Printf("ERROR: Failed to close listener: %v", err)
			}
		}
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		log.Printf("INFO: Sale server stopped")
		return nil
	}
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		log.Fatal(err)
	}
}
