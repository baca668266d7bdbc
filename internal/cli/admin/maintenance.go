package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

// withApp loads config, builds the dependency graph and hands it to fn.
func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func selectorFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("tenant", "t", "", "Tenant ID or name (required)")
	cmd.Flags().StringP("source", "s", "", "Restrict to chunks from this source")
	cmd.Flags().StringSlice("id", nil, "Restrict to these chunk IDs (repeatable)")
	cmd.Flags().String("before", "", "Restrict to chunks last updated before this RFC3339 time")
	cmd.Flags().String("output", "text", "Output format (text or json)")
	_ = cmd.MarkFlagRequired("tenant")
}

func selectorFromFlags(cmd *cobra.Command) (domain.Selector, error) {
	source, _ := cmd.Flags().GetString("source")
	ids, _ := cmd.Flags().GetStringSlice("id")
	before, _ := cmd.Flags().GetString("before")

	sel := domain.Selector{Source: source, IDs: ids}
	if before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return sel, fmt.Errorf("invalid --before: %w", err)
		}
		sel.Before = &t
	}
	return sel, nil
}

func ReindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Recompute embeddings for a tenant",
		Long:  "Re-embed current chunks of a tenant. Failed chunks stay pending for the worker.",
		RunE:  runReindex,
	}
	selectorFlags(cmd)
	return cmd
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tenantRef, _ := cmd.Flags().GetString("tenant")
	outputFormat, _ := cmd.Flags().GetString("output")
	sel, err := selectorFromFlags(cmd)
	if err != nil {
		return err
	}

	return withApp(ctx, func(a *app) error {
		tenantID, err := resolveTenantID(ctx, a.tenantRepo, tenantRef)
		if err != nil {
			return err
		}

		summary, err := a.knowledge.Reindex(ctx, tenantID, sel)
		if err != nil {
			return fmt.Errorf("reindex failed: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(summary)
		}
		fmt.Printf("Reindexed tenant %s: %d processed, %d succeeded, %d failed\n",
			tenantID, summary.Processed, summary.Succeeded, summary.Failed)
		return nil
	})
}

func ExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a tenant's knowledge to object storage",
		Long:  "Write current chunks of a tenant as a JSON lines snapshot to the configured S3 bucket.",
		RunE:  runExport,
	}
	selectorFlags(cmd)
	cmd.Flags().Bool("include-archived", false, "Include archived chunks")
	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tenantRef, _ := cmd.Flags().GetString("tenant")
	outputFormat, _ := cmd.Flags().GetString("output")
	includeArchived, _ := cmd.Flags().GetBool("include-archived")
	sel, err := selectorFromFlags(cmd)
	if err != nil {
		return err
	}
	sel.IncludeArchived = includeArchived

	return withApp(ctx, func(a *app) error {
		tenantID, err := resolveTenantID(ctx, a.tenantRepo, tenantRef)
		if err != nil {
			return err
		}

		result, err := a.snapshots.Export(ctx, tenantID, sel)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(result)
		}
		fmt.Printf("Exported %d chunks to %s\n", result.Chunks, result.Key)
		if result.DownloadURL != "" {
			fmt.Printf("Download: %s\n", result.DownloadURL)
		}
		return nil
	})
}
