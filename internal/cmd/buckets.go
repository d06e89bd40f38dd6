package cmd

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pincer-org/restgate/internal/output"
	"github.com/pincer-org/restgate/internal/store"
)

var (
	bucketsAll    bool
	bucketsID     string
	bucketsPrefix string
	bucketsOutput string
	bucketsOut    string
	bucketsOutDir string

	bucketsResetYes    bool
	bucketsResetDryRun bool
)

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "Inspect and reset persisted rate-limit buckets",
}

var bucketsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted buckets",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(bucketsOutput)
		if err != nil {
			return err
		}

		query := bucketQuery()
		if !query.All && query.BucketID == "" && query.Prefix == "" {
			query.All = true
		}

		st, err := requireStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() // nolint:errcheck // best-effort cleanup

		entries, err := st.ListBuckets(cmd.Context(), query)
		if err != nil {
			return err
		}

		rendered, err := output.FormatBuckets(format, entries, time.Now())
		if err != nil {
			return err
		}
		return writeOutput("buckets.list", format, rendered)
	},
}

var bucketsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete persisted buckets",
	Long: `Delete persisted buckets selected by --all, --bucket or --prefix.

Resetting every bucket also clears a persisted global throttle and needs
--yes unless --dry-run is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(bucketsOutput)
		if err != nil {
			return err
		}

		query := bucketQuery()
		if err := query.Validate(); err != nil {
			return err
		}
		if query.All && !bucketsResetYes && !bucketsResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		st, err := requireStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() // nolint:errcheck // best-effort cleanup

		matched, err := st.ListBuckets(cmd.Context(), query)
		if err != nil {
			return err
		}

		summary := output.ResetSummary{Matched: len(matched), DryRun: bucketsResetDryRun}
		if !bucketsResetDryRun {
			summary.Deleted, err = st.ResetBuckets(cmd.Context(), query)
			if err != nil {
				return err
			}
		}

		rendered, err := output.FormatReset(format, summary)
		if err != nil {
			return err
		}
		return writeOutput("buckets.reset", format, rendered)
	},
}

func bucketQuery() store.BucketQuery {
	return store.BucketQuery{
		All:      bucketsAll,
		BucketID: strings.TrimSpace(bucketsID),
		Prefix:   strings.TrimSpace(bucketsPrefix),
	}
}

// writeOutput writes rendered to --out, a file named after stem inside
// --out-dir, or stdout.
func writeOutput(stem string, format output.Format, rendered string) error {
	outPath := strings.TrimSpace(bucketsOut)
	outDir := strings.TrimSpace(bucketsOutDir)
	if outPath != "" && outDir != "" {
		return fmt.Errorf("--out and --out-dir are mutually exclusive")
	}
	if outDir != "" {
		dir, err := ensureOutDir(outDir)
		if err != nil {
			return err
		}
		outPath = filepath.Join(dir, fmt.Sprintf("%s.%s", stem, output.Extension(format)))
	}

	sink, err := openSink(outPath)
	if err != nil {
		return err
	}
	defer func() { _ = sink.close() }()
	_, err = io.WriteString(sink.writer, rendered)
	return err
}

func init() {
	for _, c := range []*cobra.Command{bucketsListCmd, bucketsResetCmd} {
		f := c.Flags()
		f.BoolVar(&bucketsAll, "all", false, "select every bucket")
		f.StringVar(&bucketsID, "bucket", "", "select a single bucket id")
		f.StringVar(&bucketsPrefix, "prefix", "", "select buckets bound to routes with this path prefix")
		f.StringVarP(&bucketsOutput, "output-format", "o", string(output.FormatTable), "output format: table|json|yaml|markdown")
		f.StringVar(&bucketsOut, "out", "", "write output to a file (default stdout)")
		f.StringVar(&bucketsOutDir, "out-dir", "", "write output to a directory")
	}
	bucketsResetCmd.Flags().BoolVar(&bucketsResetYes, "yes", false, "confirm resetting every bucket")
	bucketsResetCmd.Flags().BoolVar(&bucketsResetDryRun, "dry-run", false, "show what would be deleted")

	bucketsCmd.AddCommand(bucketsListCmd, bucketsResetCmd)
	rootCmd.AddCommand(bucketsCmd)
}
