package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ronifue/peershare/internal/logger"
	"github.com/Ronifue/peershare/internal/rendezvous"
)

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := logger.NewLogger(level)

	srv, err := rendezvous.NewServer(rendezvous.Config{Addr: *addr, Logger: log})
	if err != nil {
		log.Error("failed to start rendezvous server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		log.Error("rendezvous server stopped", "error", err)
		os.Exit(1)
	}
	_ = srv.Shutdown()
}
