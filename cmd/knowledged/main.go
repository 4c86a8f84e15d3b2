// Knowledged is an embedding-versioned knowledge store with bulk import.
//
// Usage:
//
//	# Start the API server, backfill worker and import runner
//	knowledged serve
//
//	# Import a dump synchronously
//	knowledged import jawiki-latest-pages-articles.xml.bz2 --max-items 1000
//
//	# Embed placeholder vectors left by imports
//	knowledged backfill --profile default
//
// Configuration is read from ~/.config/knowledged/config.yaml (or --config)
// and KNOWLEDGED_* environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the flags shared by every command.
type options struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "knowledged",
		Short: "Embedding-versioned knowledge store and retrieval service",
		Long: `knowledged stores knowledge entries in one vector collection per embedding
profile, imports bulk wiki dumps as pending entries and backfills their
embeddings in the background.`,
		Version:       version,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/knowledged/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCmd(opts),
		newImportCmd(opts),
		newBackfillCmd(opts),
		newResetCmd(opts),
		newSearchCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "knowledged by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
