package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/server"
	"github.com/joseph-ayodele/scansync/internal/utils"
)

func main() {
	configFile := flag.String("config", os.Getenv("SCANSYNC_CONFIG"), "optional config file")
	skipRemote := flag.Bool("local-only", false, "do not contact the remote store")
	flag.Parse()

	cfg, err := common.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger := utils.NewLogger(os.Stderr, "text", "warn")

	store, err := server.ConnectLocal(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("local store: FAIL (%v)", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("ERROR: closing local store: %v", err)
		}
	}()
	log.Printf("local store: OK (%s)", cfg.Database.Path)

	stats, err := store.Stats(ctx)
	if err != nil {
		log.Fatalf("local stats: %v", err)
	}
	for state, n := range stats.ByState {
		log.Printf("- records %-16s %d", state, n)
	}
	log.Printf("- ops queued %d, failed %d", stats.QueuedOps, stats.FailedOps)

	if *skipRemote {
		return
	}
	rs, closeRemote, err := server.ConnectRemote(ctx, cfg.Remote, logger)
	if err != nil {
		log.Fatalf("remote store: FAIL (%v)", err)
	}
	defer closeRemote()
	if err := server.PingRemote(ctx, rs, logger, 3*time.Second); err != nil {
		log.Printf("remote store (%s): FAIL (%v)", cfg.Remote.Kind, err)
		os.Exit(1)
	}
	log.Printf("remote store (%s): OK", cfg.Remote.Kind)
}
