package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sokopesa/bridge/pkg/bridge"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("BRIDGE_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bound the LND dial so a dead node fails boot instead of hanging it.
	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	app, err := bridge.NewApp(bootCtx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}
