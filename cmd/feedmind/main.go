// Command feedmind runs the information-unit pipeline from the command
// line: one-shot fetch cycles, digest emission, maintenance verbs and
// the long-running scheduler loop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/feedmind/feedmind"
	"github.com/feedmind/feedmind/model"
)

var (
	configPath   string
	articlesPath string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "feedmind",
		Short:         "Feed intelligence pipeline: extract, dedup, analyze, curate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	runCycle := &cobra.Command{
		Use:   "run-cycle",
		Short: "Fetch pending articles and run them through the pipeline once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e *feedmind.Engine) error {
				res, err := e.RunCycle(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("fetched %d articles, %d productive\n", res.Fetched, res.Productive)
				return nil
			})
		},
	}
	runCycle.Flags().StringVar(&articlesPath, "articles", "", "JSON file with articles to ingest")

	sendDigest := &cobra.Command{
		Use:   "send-digest",
		Short: "Curate the unsent units into a digest and mark them sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *feedmind.Engine) error {
				digest, err := e.SendDigest(ctx)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(digest, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			})
		},
	}

	reprocess := &cobra.Command{
		Use:   "reprocess",
		Short: "Re-run extraction for articles that produced no units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *feedmind.Engine) error {
				n, err := e.Reprocess(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d articles productive\n", n)
				return nil
			})
		},
	}

	backfill := &cobra.Command{
		Use:   "backfill-entities",
		Short: "Ingest entity graphs for units saved without entity processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *feedmind.Engine) error {
				n, err := e.BackfillEntities(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d units backfilled\n", n)
				return nil
			})
		},
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run fetch cycles and digests continuously on the configured schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e *feedmind.Engine) error {
				return feedmind.NewScheduler(e).Run(ctx)
			})
		},
	}
	serve.Flags().StringVar(&articlesPath, "articles", "", "JSON file with articles, re-read every cycle")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print row counts for the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e *feedmind.Engine) error {
				st, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			})
		},
	}

	root.AddCommand(runCycle, sendDigest, reprocess, backfill, serve, stats)
	return root
}

// withEngine loads config, builds the engine and runs fn under a
// signal-aware context, closing the engine afterwards.
func withEngine(parent context.Context, needFetcher bool, fn func(context.Context, *feedmind.Engine) error) error {
	cfg := feedmind.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = feedmind.LoadConfig(configPath)
		if err != nil {
			return err
		}
	}

	opts := []feedmind.Option{feedmind.WithEngineLogger(slog.Default())}
	if needFetcher {
		if articlesPath == "" {
			return fmt.Errorf("--articles is required for this command")
		}
		opts = append(opts, feedmind.WithFetcher(&fileFetcher{path: articlesPath}))
	}

	engine, err := feedmind.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, engine)
}

// fileFetcher reads a JSON array of articles from disk on every fetch.
// A feed bridge keeps the file fresh; already-processed URLs dedup
// through the store.
type fileFetcher struct {
	path string
}

func (f *fileFetcher) Fetch(ctx context.Context) ([]*model.Article, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading articles file: %w", err)
	}
	var articles []*model.Article
	if err := json.Unmarshal(data, &articles); err != nil {
		return nil, fmt.Errorf("parsing articles file: %w", err)
	}
	return articles, nil
}
