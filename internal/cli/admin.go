package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperjump/paperscope/internal/config"
	"github.com/hyperjump/paperscope/internal/indexer"
	"github.com/hyperjump/paperscope/internal/models"
)

func newIngestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest batch files (JSON array or JSON Lines of items)",
		Long: `Ingest one or more batch files. Each file is a JSON array of items or one item
per line:

  {"id": "2101.00001#abstract", "embedding": [...], "record": {"paper_id": "2101.00001", ...}}

Each file is ingested as one batch.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			return opts.withComponents(cmd, func(ctx context.Context, _ *config.Config, c *Components) error {
				failed := false
				for _, path := range args {
					items, err := indexer.LoadBatchFile(path)
					if err != nil {
						return err
					}
					report, err := c.Indexer.IngestBatch(ctx, items)
					if report != nil {
						if werr := WriteIngestReport(cmd.OutOrStdout(), report, format); werr != nil {
							return werr
						}
						failed = failed || len(report.Rejected) > 0
					}
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
				}
				if failed {
					return errPartial
				}
				return nil
			})
		},
	}
}

func newLoadLegacyCommand(opts *rootOptions) *cobra.Command {
	var embeddingsPath, papersPath string
	cmd := &cobra.Command{
		Use:   "load-legacy",
		Short: "Load the legacy embeddings + papers JSON files",
		Long: `Load an embeddings file shaped {paper_id: {section: [floats]}} and a papers file
shaped {paper_id: {title, abstract, authors, url, sections}}. Every embedded
section becomes one item identified as "paper_id#section". Items are ingested in
batches of ingest.batch_size.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			items, skipped, err := indexer.LoadLegacy(embeddingsPath, papersPath)
			if err != nil {
				return err
			}
			return opts.withComponents(cmd, func(ctx context.Context, cfg *config.Config, c *Components) error {
				total := &models.IngestReport{BatchID: "legacy"}
				size := max(cfg.Ingest.BatchSize, 1)
				for start := 0; start < len(items); start += size {
					end := min(start+size, len(items))
					report, err := c.Indexer.IngestBatch(ctx, items[start:end])
					if report != nil {
						total.Inserted += report.Inserted
						total.Replaced += report.Replaced
						total.Rejected = append(total.Rejected, report.Rejected...)
					}
					if err != nil {
						total.Aborted = true
						_ = WriteIngestReport(cmd.OutOrStdout(), total, format)
						return err
					}
				}
				for _, id := range skipped {
					total.Reject(id, fmt.Errorf("%w: paper missing from papers file", models.ErrInvalidRecord))
				}
				return WriteIngestReport(cmd.OutOrStdout(), total, format)
			})
		},
	}
	cmd.Flags().StringVar(&embeddingsPath, "embeddings", "", "embeddings JSON file")
	cmd.Flags().StringVar(&papersPath, "papers", "", "papers JSON file")
	_ = cmd.MarkFlagRequired("embeddings")
	_ = cmd.MarkFlagRequired("papers")
	return cmd
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete records by identifier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			return opts.withComponents(cmd, func(ctx context.Context, _ *config.Config, c *Components) error {
				report, err := c.Indexer.Delete(ctx, args)
				if err != nil {
					return err
				}
				if format == OutputJSON {
					return WriteJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", report.Deleted)
				for _, id := range report.NotFound {
					fmt.Fprintf(cmd.OutOrStdout(), "  not found: %s\n", id)
				}
				if len(report.NotFound) > 0 {
					return errPartial
				}
				return nil
			})
		},
	}
}

func newCompactCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Reclaim space held by deleted rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			return opts.withComponents(cmd, func(ctx context.Context, _ *config.Config, c *Components) error {
				reclaimed, err := c.Indexer.Compact(ctx)
				if err != nil {
					return err
				}
				if format == OutputJSON {
					return WriteJSON(cmd.OutOrStdout(), map[string]int{"reclaimed": reclaimed})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d rows\n", reclaimed)
				return nil
			})
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check and repair consistency between the index, mapping and stores",
		Long: `Open every store and run the startup consistency pass: rebuild a missing or
stale mapping from index labels, drop rows and bindings without a counterpart,
collect orphan records and rebuild the keyword index when it drifted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			return opts.withComponents(cmd, func(_ context.Context, _ *config.Config, c *Components) error {
				return WriteReconcileReport(cmd.OutOrStdout(), c.Reconcile, format)
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index, mapping and storage status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			if serverURL != "" {
				status, err := newClient(serverURL).Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("status failed: %w", err)
				}
				return WriteStats(cmd.OutOrStdout(), status.Stats, status.VectorIndexType, format)
			}
			return opts.withComponents(cmd, func(ctx context.Context, _ *config.Config, c *Components) error {
				stats, err := c.Engine.Stats(ctx)
				if err != nil {
					return err
				}
				return WriteStats(cmd.OutOrStdout(), stats, c.Engine.VectorIndexType(), format)
			})
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "query a running server instead of opening the stores")
	return cmd
}

func newPapersCommand(opts *rootOptions) *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "papers [paper_id]",
		Short: "List stored papers, or show one paper with its sections",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			return opts.withComponents(cmd, func(ctx context.Context, _ *config.Config, c *Components) error {
				if len(args) == 1 {
					paper, err := c.Engine.GetPaper(ctx, args[0])
					if err != nil {
						return err
					}
					return WritePaper(cmd.OutOrStdout(), paper, format)
				}
				ids, err := c.Engine.ListPapers(ctx, offset, limit)
				if err != nil {
					return err
				}
				if format == OutputJSON {
					if ids == nil {
						ids = []string{}
					}
					return WriteJSON(cmd.OutOrStdout(), map[string][]string{"paper_ids": ids})
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many papers")
	cmd.Flags().IntVar(&limit, "limit", 0, "list at most this many papers (0 lists all)")
	return cmd
}
