package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"souma/node/internal/config"
	"souma/node/internal/node"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("souma-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("souma-node failed to load config: %v", err)
	}

	n, err := node.New(ctx, cfg)
	if err != nil {
		log.Fatalf("souma-node failed to initialize: %v", err)
	}
	defer n.Close()

	log.Println("souma-node starting")
	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("souma-node failed: %v", err)
	}
	log.Println("souma-node stopped")
}
