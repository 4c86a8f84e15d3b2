package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/fyrsmithlabs/knowledged/internal/jobs"
	"github.com/spf13/cobra"
)

func newImportCmd(opts *options) *cobra.Command {
	var (
		req      jobs.SubmitRequest
		minLen   int
		backfill bool
	)
	cmd := &cobra.Command{
		Use:   "import <dump>",
		Short: "Import a wiki XML dump and wait for it to finish",
		Long: `Import a MediaWiki XML dump (plain, .bz2, .gz or .zst) into the collection of
an embedding profile. Entries are written with placeholder vectors; pass
--backfill to embed them before exiting.

Interrupting the command cancels the job at the next batch boundary.

Examples:
  knowledged import jawiki-latest-pages-articles.xml.bz2
  knowledged import dump.xml.gz --max-items 500 --batch-size 50 --profile large`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.SourceRef = args[0]
			if cmd.Flags().Changed("min-length") {
				req.MinContentLength = &minLen
			}
			return runImport(cmd.Context(), opts, req, backfill, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&req.BatchSize, "batch-size", 0, "records per write batch (default ingest.batch_size)")
	cmd.Flags().IntVar(&req.MaxItems, "max-items", 0, "stop after this many pages (0 = all)")
	cmd.Flags().IntVar(&minLen, "min-length", 0, "minimum cleaned article length in characters")
	cmd.Flags().StringVar(&req.ProfileName, "profile", "", "embedding profile name (default: active)")
	cmd.Flags().IntVar(&req.EstimatedTotal, "estimated-total", 0, "expected page count for progress reporting")
	cmd.Flags().BoolVar(&backfill, "backfill", false, "embed the imported entries before exiting")
	return cmd
}

func runImport(ctx context.Context, opts *options, req jobs.SubmitRequest, drain bool, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	profile, importOpts, err := a.runner.Validate(req)
	if err != nil {
		return err
	}
	job, err := a.jobs.CreateJob(ctx, req.SourceRef, importOpts, profile)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "job %s: importing %s into %s\n", job.ID, req.SourceRef, job.CollectionID)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	notes, err := a.jobs.Subscribe(watchCtx)
	if err != nil {
		return err
	}
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for n := range notes {
			if n.JobID != job.ID {
				continue
			}
			switch n.Type {
			case string(jobs.StatusPending):
			case jobs.NotifyError:
				fmt.Fprintf(out, "  error: %s\n", n.Message)
			default:
				p := n.Progress
				fmt.Fprintf(out, "  %-10s parsed=%d imported=%d skipped=%d errors=%d %.1f%%\n",
					n.Type, p.Parsed, p.Imported, p.Skipped, p.Errors, p.PercentComplete)
			}
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		if ctx.Err() == nil {
			_, _ = a.jobs.Cancel(context.Background(), job.ID)
		}
	}()

	runErr := a.runner.Run(context.WithoutCancel(ctx), job.ID)
	final, err := a.jobs.Get(context.Background(), job.ID)
	stopWatch()
	<-printed
	if err != nil {
		return err
	}
	if runErr != nil && final.Status != jobs.StatusFailed {
		return runErr
	}

	p := final.Progress
	fmt.Fprintf(out, "job %s %s: imported=%d skipped=%d errors=%d\n", final.ID, final.Status, p.Imported, p.Skipped, p.Errors)
	if final.Status == jobs.StatusFailed {
		return fmt.Errorf("import failed: %s", final.Message)
	}

	if drain && final.Status == jobs.StatusCompleted {
		res, err := a.backfill.Drain(ctx, profile, 0)
		if err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		fmt.Fprintf(out, "embedded %d entries in %d batches\n", res.Processed, res.Batches)
	}
	return nil
}
