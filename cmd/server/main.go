package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/astromechza/flowsync/pkg/api"
	"github.com/astromechza/flowsync/pkg/config"
	"github.com/astromechza/flowsync/pkg/room"
	"github.com/astromechza/flowsync/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to a yaml config file")
	addrVar := flag.String("addr", "", "the address to listen on (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Addr = *addrVar
	}

	slog.Info("Opening database", "path", cfg.DatabasePath)
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := room.NewRegistry(ctx, st, room.Options{
		Debounce:  cfg.Debounce,
		IdleGrace: cfg.IdleGrace,
	})

	httpServer := &http.Server{Addr: cfg.Addr, Handler: api.New(registry, st, nil).Router()}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	_ = httpServer.Close()

	// cancelling the context flushes and unloads every loaded room
	cancel()
	registry.Wait()
	wg.Wait()

	return nil
}
