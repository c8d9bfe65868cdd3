package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"corrald/services/agent"
)

func main() {
	configPath := flag.String("config", agent.ConfigPath, "path to agent configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "corral-agent: ", log.LstdFlags)

	svc, err := agent.NewService(*configPath)
	if err != nil {
		logger.Fatalf("failed to initialize agent: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("agent exited with error: %v", err)
	}
}
