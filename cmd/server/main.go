package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/horde/internal/config"
	"github.com/zeusync/horde/internal/core/observability/log"
	"github.com/zeusync/horde/internal/injector"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "horde:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := injector.InitializeApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err = app.Run(ctx); err != nil {
		app.Logger.Error("Horde stopped with error", log.Error(err))
		return err
	}
	app.Logger.Info("Horde stopped")
	return nil
}
