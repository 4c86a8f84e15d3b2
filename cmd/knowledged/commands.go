package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fyrsmithlabs/knowledged/internal/retrieval"
	"github.com/spf13/cobra"
)

// withApp loads the configuration, builds the services, runs fn and
// releases everything afterwards.
func withApp(ctx context.Context, opts *options, fn func(*app) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()
	return fn(a)
}

func newBackfillCmd(opts *options) *cobra.Command {
	var (
		profile    string
		batchSize  int
		maxBatches int
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed entries still carrying placeholder vectors",
		Long: `Replace the placeholder vectors written by imports with real embeddings.
Batches run until nothing is pending or --max-batches is reached.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			return withApp(ctx, opts, func(a *app) error {
				p, err := a.profile(profile)
				if err != nil {
					return err
				}
				before, err := a.knowledge.PendingCount(ctx, p)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d entries pending under %s\n", before, p.Key())
				res, err := a.backfill.DrainBatches(ctx, p, batchSize, maxBatches)
				fmt.Fprintf(out, "embedded %d entries in %d batches (%d failed, %d given up)\n", res.Processed, res.Batches, res.Failed, res.Exhausted)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "embedding profile name (default: active)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "entries per batch (default backfill.batch_size)")
	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "stop after this many batches (0 = until drained)")
	return cmd
}

func newResetCmd(opts *options) *cobra.Command {
	var (
		profile string
		yes     bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and recreate the collection of one embedding profile",
		Long: `Drop every entry stored under one embedding profile and recreate its empty
collection. Collections of other profiles are not touched. Requires --yes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to drop a collection without --yes")
			}
			ctx := cmd.Context()
			return withApp(ctx, opts, func(a *app) error {
				p, err := a.profile(profile)
				if err != nil {
					return err
				}
				name, err := a.registry.Resolve(p)
				if err != nil {
					return err
				}
				if !a.knowledge.Reset(ctx, p) {
					return fmt.Errorf("reset of %s failed", name)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "collection %s reset\n", name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&profile, "profile", "", "embedding profile name (default: active)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func newSearchCmd(opts *options) *cobra.Command {
	var (
		q       retrieval.Query
		profile string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			q.Text = strings.Join(args, " ")
			return withApp(ctx, opts, func(a *app) error {
				if profile != "" {
					p, err := a.profile(profile)
					if err != nil {
						return err
					}
					q.Profile = p
				}
				return printHits(cmd.OutOrStdout(), a.engine.Search(ctx, q), asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&q.RequesterID, "requester", "", "include this owner's private entries")
	cmd.Flags().StringVar(&q.Category, "category", "", "restrict to one category")
	cmd.Flags().IntVar(&q.Limit, "limit", retrieval.DefaultLimit, "maximum number of hits")
	cmd.Flags().Float64Var(&q.ScoreThreshold, "threshold", 0, "drop hits scoring below this")
	cmd.Flags().StringVar(&profile, "profile", "", "embedding profile name (default: active)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print hits as JSON")
	return cmd
}

func printHits(out io.Writer, hits []retrieval.Hit, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(hits)
	}
	if len(hits) == 0 {
		fmt.Fprintln(out, "no results")
		return nil
	}
	for i, h := range hits {
		title := h.Metadata.Title
		if title == "" {
			title = h.ID
		}
		fmt.Fprintf(out, "%d. [%.3f] %s (%s)\n", i+1, h.Score, title, h.Visibility)
		fmt.Fprintf(out, "   %s\n", preview(h.Content, 160))
	}
	return nil
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
