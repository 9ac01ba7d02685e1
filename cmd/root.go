// Package cmd defines the CLI commands for the crawlerd executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/searchstack/crawler/internal/config"
	"github.com/searchstack/crawler/internal/crawler"
	"github.com/searchstack/crawler/internal/dedup"
	"github.com/searchstack/crawler/internal/extract"
	"github.com/searchstack/crawler/internal/index"
	"github.com/searchstack/crawler/internal/logging"
	"github.com/searchstack/crawler/internal/metrics"
	memorypublisher "github.com/searchstack/crawler/internal/publisher/memory"
	gcppublisher "github.com/searchstack/crawler/internal/publisher/pubsub"
	"github.com/searchstack/crawler/internal/storage"
	gcsstorage "github.com/searchstack/crawler/internal/storage/gcs"
	localstorage "github.com/searchstack/crawler/internal/storage/local"
	memorystorage "github.com/searchstack/crawler/internal/storage/memory"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlerd",
		Short: "Web crawler with three-tier content deduplication.",
		Long: `crawlerd crawls web sources for a search index. It extracts structured
content per page and eliminates duplicates with SimHash text fingerprints,
perceptual image hashes, and embedding similarity.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// services bundles everything a command needs once wiring is done.
type services struct {
	cfg     config.Config
	logger  *zap.Logger
	manager *crawler.Manager

	closers []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	_ = s.logger.Sync()
}

// buildServices loads configuration and wires the session manager with the
// configured storage, index, and publisher backends.
func buildServices(ctx context.Context) (*services, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	metrics.Init()

	svc := &services{cfg: cfg, logger: logger}

	sink, err := buildSink(ctx, cfg, svc)
	if err != nil {
		svc.Close()
		return nil, err
	}
	indexer, err := buildIndexer(ctx, cfg, logger, svc)
	if err != nil {
		svc.Close()
		return nil, err
	}
	publisher, err := buildPublisher(ctx, cfg, svc)
	if err != nil {
		svc.Close()
		return nil, err
	}
	renderer, detector, err := buildHeadless(cfg)
	if err != nil {
		svc.Close()
		return nil, err
	}
	if renderer != nil {
		svc.closers = append(svc.closers, func() {
			_ = renderer.Close(context.Background())
		})
	}

	manager, err := crawler.NewManager(crawler.ManagerConfig{
		UserAgent:        cfg.Crawler.UserAgent,
		RobotsTimeout:    cfg.Crawler.RobotsTimeout(),
		SimHashThreshold: cfg.Dedup.SimHashThreshold,
		ImageDedup: dedup.ImageFingerprinterConfig{
			Enabled:   cfg.Dedup.ImageDedupEnabled,
			Threshold: cfg.Dedup.PHashThreshold,
			Timeout:   cfg.Dedup.ImageTimeout(),
			MaxBytes:  int64(cfg.Dedup.ImageMaxBytes),
		},
		PublishTopic: cfg.Publisher.Topic,
	}, crawler.ManagerDeps{
		Extractor: extract.New(),
		Renderer:  renderer,
		Detector:  detector,
		Sink:      sink,
		Indexer:   indexer,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.manager = manager
	return svc, nil
}

func buildSink(ctx context.Context, cfg config.Config, svc *services) (crawler.HTMLSink, error) {
	var store storage.BlobStore
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		svc.closers = append(svc.closers, func() { _ = client.Close() })
		store, err = gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs store: %w", err)
		}
	case "local":
		var err error
		store, err = localstorage.New(localstorage.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local store: %w", err)
		}
	case "memory":
		store = memorystorage.NewBlobStore()
	default:
		// Raw HTML persistence is optional; "none" skips it entirely.
		return nil, nil
	}
	return storage.NewHTMLSink(store), nil
}

func buildIndexer(ctx context.Context, cfg config.Config, logger *zap.Logger, svc *services) (crawler.Indexer, error) {
	switch cfg.Index.Backend {
	case "postgres":
		idx, err := index.NewPostgres(ctx, cfg.Index.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres indexer: %w", err)
		}
		svc.closers = append(svc.closers, idx.Close)
		return idx, nil
	case "memory":
		return index.NewMemory(), nil
	default:
		return nil, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, svc *services) (crawler.Publisher, error) {
	switch cfg.Publisher.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		pub, err := gcppublisher.New(client)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, func() { _ = pub.Close() })
		return pub, nil
	case "memory":
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

func buildHeadless(cfg config.Config) (crawler.Renderer, crawler.Detector, error) {
	if !cfg.Headless.Enabled {
		return nil, nil, nil
	}
	renderer, err := crawler.NewChromedpRenderer(crawler.ChromedpRendererConfig{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Crawler.UserAgent,
		NavigationTimeout: cfg.Headless.NavTimeout(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init renderer: %w", err)
	}
	return renderer, crawler.NewHeuristicDetector(cfg.Headless.PromotionThresh), nil
}
