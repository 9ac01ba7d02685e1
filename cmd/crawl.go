package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/searchstack/crawler/internal/crawler"
)

type crawlFlags struct {
	sourceID        string
	depth           int
	maxPages        int
	concurrency     int
	requestDelayMs  int
	noRobots        bool
	includePatterns []string
	excludePatterns []string
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags

	cmd := &cobra.Command{
		Use:   "crawl <source-url>",
		Short: "Run a single crawl session and print its stats.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd.Context(), args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.sourceID, "source-id", "", "logical source identifier")
	cmd.Flags().IntVar(&flags.depth, "depth", 0, "crawl depth (0 uses the configured default)")
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "page budget (0 uses the configured default)")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "concurrent requests (0 uses the configured default)")
	cmd.Flags().IntVar(&flags.requestDelayMs, "delay-ms", 0, "per-host delay between requests (0 uses the configured default)")
	cmd.Flags().BoolVar(&flags.noRobots, "no-robots", false, "ignore robots.txt rules")
	cmd.Flags().StringSliceVar(&flags.includePatterns, "include", nil, "glob patterns links must match")
	cmd.Flags().StringSliceVar(&flags.excludePatterns, "exclude", nil, "glob patterns that exclude links")

	return cmd
}

func runCrawl(ctx context.Context, sourceURL string, flags crawlFlags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	defaults := svc.cfg.Crawler
	cfg := crawler.CrawlConfig{
		SourceID:           flags.sourceID,
		SourceURL:          sourceURL,
		CrawlDepth:         orDefault(flags.depth, defaults.CrawlDepth),
		MaxPages:           orDefault(flags.maxPages, defaults.MaxPages),
		IncludePatterns:    flags.includePatterns,
		ExcludePatterns:    flags.excludePatterns,
		RespectRobots:      defaults.RespectRobots && !flags.noRobots,
		ConcurrentRequests: orDefault(flags.concurrency, defaults.ConcurrentRequests),
		RequestDelay:       time.Duration(orDefault(flags.requestDelayMs, defaults.RequestDelayMs)) * time.Millisecond,
		Timeout:            defaults.Timeout(),
		MaxRetries:         defaults.MaxRetries,
		UserAgent:          defaults.UserAgent,
	}

	id, err := svc.manager.Start(cfg)
	if err != nil {
		return err
	}
	svc.logger.Info("crawl started",
		zap.String("session_id", id), zap.String("source", sourceURL))

	engine, ok := svc.manager.Get(id)
	if !ok {
		return crawler.ErrSessionNotFound
	}
	waitForSession(ctx, engine)

	summary := struct {
		SessionID string             `json:"session_id"`
		State     string             `json:"state"`
		Stats     crawler.CrawlStats `json:"stats"`
		Error     string             `json:"error,omitempty"`
	}{
		SessionID: id,
		State:     string(engine.State()),
		Stats:     engine.Stats(),
	}
	if err := engine.Err(); err != nil {
		summary.Error = err.Error()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// waitForSession blocks until the session reaches a terminal state. An
// interrupt cancels the session and keeps waiting so in-flight work drains.
func waitForSession(ctx context.Context, engine *crawler.Engine) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	interrupt := ctx.Done()
	for {
		switch engine.State() {
		case crawler.SessionStateCompleted, crawler.SessionStateCancelled, crawler.SessionStateFailed:
			return
		}
		select {
		case <-interrupt:
			fmt.Fprintln(os.Stderr, "interrupt received, cancelling crawl")
			engine.Cancel()
			interrupt = nil
		case <-ticker.C:
		}
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
