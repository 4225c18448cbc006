// Command export writes local records to an XLSX workbook. It reads the local store
// directly and works without the daemon or the remote.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joseph-ayodele/scansync/constants"
	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/export"
	"github.com/joseph-ayodele/scansync/internal/server"
	"github.com/joseph-ayodele/scansync/internal/utils"
)

func main() {
	configFile := flag.String("config", os.Getenv("SCANSYNC_CONFIG"), "optional config file")
	from := flag.String("from", "", "first transaction date, YYYY-MM-DD")
	to := flag.String("to", "", "last transaction date, YYYY-MM-DD")
	status := flag.String("status", "", "valid, needs_review or rejected")
	out := flag.String("out", "records.xlsx", "output path")
	flag.Parse()

	logger := utils.NewLogger(os.Stderr, "text", utils.Getenv("SCANSYNC_LOG_LEVEL", "info"))
	slog.SetDefault(logger)

	w := export.Window{From: *from, To: *to}
	for _, d := range []string{*from, *to} {
		if d == "" {
			continue
		}
		if _, err := utils.ParseYMD(d); err != nil {
			logger.Error("invalid date, want YYYY-MM-DD", "date", d)
			os.Exit(2)
		}
	}
	if *status != "" {
		st, ok := constants.ParseValidationStatus(*status)
		if !ok {
			logger.Error("unknown status", "status", *status)
			os.Exit(2)
		}
		w.Status = st
	}

	cfg, err := common.LoadConfig(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	store, err := server.ConnectLocal(ctx, cfg.Database, logger)
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	data, rows, err := export.NewService(store, logger).ExportXLSX(ctx, w)
	if err != nil {
		logger.Error("export failed", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		logger.Error("write output", "path", *out, "error", err)
		os.Exit(1)
	}
	logger.Info("export written", "path", *out, "rows", rows, "bytes", len(data))
}
