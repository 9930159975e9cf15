// Command backfill rebuilds the caption index from the document store with
// the parallel builder. Run it while imgrepo is stopped.
//
// Usage:
//
//	go run ./cmd/backfill [-config configs/development.yaml] [-workers 15] [-out main]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/econaxis/imgrepo/internal/docstore"
	"github.com/econaxis/imgrepo/internal/indexer/builder"
	"github.com/econaxis/imgrepo/internal/indexer/termindex"
	"github.com/econaxis/imgrepo/pkg/config"
	"github.com/econaxis/imgrepo/pkg/logger"
	"github.com/econaxis/imgrepo/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	workers := flag.Int("workers", 0, "builder workers (0 uses builder.workers from config)")
	out := flag.String("out", "", "output segment name (default indexer.mainName)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if *workers > 0 {
		cfg.Builder.Workers = *workers
	}
	cfg.Builder.OutputName = cfg.Indexer.MainName
	if *out != "" {
		cfg.Builder.OutputName = *out
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var pg *postgres.Client
	if cfg.DocStore.Driver == "postgres" {
		var err error
		if pg, err = postgres.New(cfg.Postgres); err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pg.Close()
	}
	store, err := docstore.Open(ctx, cfg.DocStore, pg)
	if err != nil {
		return fmt.Errorf("opening document store: %w", err)
	}
	defer store.Close()

	codec, err := termindex.ParseCodec(cfg.Indexer.Compression)
	if err != nil {
		return err
	}
	backend, err := termindex.Open(cfg.Indexer.DataDir,
		termindex.WithCodec(codec),
		termindex.WithBloomFalsePositive(cfg.Indexer.BloomFalsePositive),
		termindex.WithMergeIOLimit(cfg.Indexer.MergeIOLimit),
	)
	if err != nil {
		return fmt.Errorf("opening segment directory: %w", err)
	}

	// Ids are never reused, so a zero max id means nothing was ever stored.
	maxID, err := store.MaxID(ctx)
	if err != nil {
		return fmt.Errorf("reading max id: %w", err)
	}
	if maxID == 0 {
		slog.Info("document store is empty, nothing to build")
		return nil
	}

	// Build beside the target and swap it in at the end, so a failed run
	// leaves the current segment alone.
	target := cfg.Builder.OutputName
	scratch := target + "-rebuild"
	start := time.Now()
	b, err := builder.New(backend, nil, builder.Config{
		Workers:       cfg.Builder.Workers,
		QueueCapacity: cfg.Builder.QueueCapacity,
		OutputName:    scratch,
	})
	if err != nil {
		return err
	}
	queued := 0
	err = store.Each(ctx, func(doc docstore.Document) error {
		if err := b.Append(ctx, []byte(doc.Description), doc.ID); err != nil {
			return fmt.Errorf("queueing document %d: %w", doc.ID, err)
		}
		queued++
		return nil
	})
	if err != nil || queued == 0 {
		// Finish still has to run so the workers exit; the output is discarded.
		if seg, ferr := b.Finish(context.Background()); ferr == nil {
			seg.Retire()
			if rerr := backend.Remove(scratch); rerr != nil {
				slog.Warn("removing discarded build output", "error", rerr)
			}
		}
		if err != nil {
			return fmt.Errorf("streaming documents: %w", err)
		}
		slog.Info("every document is deleted, nothing to build")
		return nil
	}
	seg, err := b.Finish(ctx)
	if err != nil {
		return err
	}
	st := seg.Stats()
	seg.Retire()
	if err := backend.Rename(scratch, target); err != nil {
		return fmt.Errorf("installing %s: %w", target, err)
	}
	slog.Info("backfill built segment",
		"segment", target,
		"docs", st.Docs,
		"terms", st.Terms,
		"max_id", st.MaxID,
		"duration", time.Since(start),
	)
	return nil
}
