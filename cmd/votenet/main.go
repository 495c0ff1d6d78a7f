package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/votenet/votenet/internal/votenet/config"
	"github.com/votenet/votenet/internal/votenet/logger"
	"github.com/votenet/votenet/internal/votenet/node"
)

func main() {
	nodeIDFlag := flag.String("node", "", "node id (overrides NODE_ID)")
	roleFlag := flag.String("role", "", "initial role hint: leader or follower (overrides NODE_ROLE)")
	httpFlag := flag.String("http", "", "http listen address (overrides HTTP_ADDR)")
	storeFlag := flag.String("store", "", "comma-separated shared store nodes (overrides SHARED_STORE_NODES)")
	inMemFlag := flag.Bool("inmem", false, "use the in-process store instead of a shared one")
	flag.Parse()

	cfg := config.FromEnv()
	if *nodeIDFlag != "" {
		cfg.NodeID = *nodeIDFlag
	}
	if *roleFlag != "" {
		cfg.RoleHint = strings.ToLower(*roleFlag)
	}
	if *httpFlag != "" {
		cfg.HTTP.Addr = *httpFlag
	}
	if *storeFlag != "" {
		cfg.Store.Nodes = strings.Split(*storeFlag, ",")
	}
	if *inMemFlag {
		cfg.Store.InMem = true
	}

	if _, err := logger.Init(logger.Config{
		Dir:     cfg.LogDir,
		NodeID:  cfg.NodeID,
		Level:   cfg.LogLevel,
		Console: true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n, err := node.New(ctx, cfg)
	if err != nil {
		logger.Sugar().Errorw("Failed to initialise node", "error", err)
		os.Exit(1)
	}

	if err := n.Run(ctx); err != nil {
		logger.Sugar().Errorw("Node exited with error", "error", err)
		os.Exit(1)
	}
}
