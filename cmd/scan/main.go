// Command scan submits image files to a running scansyncd and prints the resulting records.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/scansync/internal/common"
	"github.com/joseph-ayodele/scansync/internal/ingest"
	"github.com/joseph-ayodele/scansync/internal/server"
	"github.com/joseph-ayodele/scansync/internal/utils"
)

type submitter struct {
	client      *server.Client
	orientation int
	maxBytes    int64
	timeout     time.Duration
	logger      *slog.Logger
	failed      int
}

func main() {
	configFile := flag.String("config", os.Getenv("SCANSYNC_CONFIG"), "optional config file")
	addr := flag.String("addr", "", "scansyncd address (default: server.grpc_addr)")
	orientation := flag.Int("orientation", 0, "EXIF orientation 1..8 applied to every file (0 = as stored)")
	syncAfter := flag.Bool("sync", false, "run one sync cycle after submitting")
	watch := flag.Bool("watch", false, "keep watching directory arguments for new images")
	skipHidden := flag.Bool("skip-hidden", true, "skip hidden files and directories")
	timeout := flag.Duration("timeout", 3*time.Minute, "per-capture timeout")
	logLevel := flag.String("log-level", utils.Getenv("SCANSYNC_LOG_LEVEL", "warn"), "debug, info, warn or error")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: scan [flags] <file-or-dir>...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := utils.NewLogger(os.Stderr, "text", *logLevel)
	slog.SetDefault(logger)

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *orientation < 0 || *orientation > 8 {
		logger.Error("orientation must be within 0..8", "orientation", *orientation)
		os.Exit(2)
	}
	cfg, err := common.LoadConfig(*configFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(2)
	}
	target := *addr
	if target == "" {
		target = cfg.Server.GRPCAddr
	}
	if strings.HasPrefix(target, ":") {
		target = "localhost" + target
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Error("failed to create client", "addr", target, "error", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	s := &submitter{
		client:      server.NewClient(conn),
		orientation: *orientation,
		maxBytes:    int64(cfg.Imaging.MaxInputMB) << 20,
		timeout:     *timeout,
		logger:      logger,
	}

	var dirs []string
	for _, arg := range flag.Args() {
		st, err := os.Stat(arg)
		if err != nil {
			logger.Error("cannot read path", "path", arg, "error", err)
			s.failed++
			continue
		}
		if !st.IsDir() {
			s.submit(ctx, arg)
			continue
		}
		dirs = append(dirs, arg)
		paths, stats, err := ingest.ScanDirectory(ctx, arg, *skipHidden)
		if err != nil {
			logger.Error("scan directory", "root", arg, "error", err)
			s.failed++
			continue
		}
		logger.Info("scanned directory", "root", arg, "matched", stats.Matched, "unreadable", stats.Failed)
		for _, p := range paths {
			s.submit(ctx, p)
		}
	}

	if *watch && len(dirs) > 0 {
		events, errs, err := ingest.Watch(ctx, ingest.WatchConfig{Roots: dirs, Debounce: 500 * time.Millisecond}, logger)
		if err != nil {
			logger.Error("failed to start watcher", "error", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", strings.Join(dirs, ", "))
		for events != nil || errs != nil {
			select {
			case p, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if *skipHidden && ingest.IsHidden(p) {
					continue
				}
				s.submit(ctx, p)
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				logger.Warn("watch error", "error", err)
			}
		}
	}

	if *syncAfter {
		sctx, cancel := context.WithTimeout(ctx, *timeout)
		rep, err := s.client.SyncNow(sctx, &emptypb.Empty{})
		cancel()
		if err != nil {
			logger.Error("sync failed", "error", err)
			s.failed++
		} else {
			printJSON(rep)
		}
	}

	if s.failed > 0 {
		os.Exit(1)
	}
}

func (s *submitter) submit(ctx context.Context, path string) {
	img, err := ingest.Load(path, s.maxBytes)
	if err != nil {
		s.logger.Error("cannot load image", "path", path, "error", err)
		s.failed++
		return
	}
	req, err := structpb.NewStruct(map[string]any{
		"image":       base64.StdEncoding.EncodeToString(img.Bytes),
		"orientation": s.orientation,
		"source":      img.Source,
		"captured_at": img.CapturedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.Error("encode request", "path", path, "error", err)
		s.failed++
		return
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cctx = metadata.AppendToOutgoingContext(cctx, "x-request-id", uuid.NewString())
	rec, err := s.client.Submit(cctx, req, grpc.WaitForReady(true))
	if err != nil {
		s.logger.Error("capture failed", "path", path, "error", err)
		s.failed++
		return
	}
	printJSON(rec)
}

func printJSON(s *structpb.Struct) {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(out))
}
