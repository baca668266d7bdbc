package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cloo-solutions/kbagent/internal/domain"
	"github.com/cloo-solutions/kbagent/internal/repository"
	"github.com/cloo-solutions/kbagent/internal/service"
)

// resolveTenantID accepts either a tenant UUID or its unique name.
func resolveTenantID(ctx context.Context, repo *repository.TenantRepository, ref string) (string, error) {
	var (
		tenant *domain.Tenant
		err    error
	)
	if _, parseErr := uuid.Parse(ref); parseErr == nil {
		tenant, err = repo.GetByID(ctx, ref)
	} else {
		tenant, err = repo.GetByName(ctx, ref)
	}
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			return "", fmt.Errorf("tenant not found: %s", ref)
		}
		return "", err
	}
	return tenant.ID, nil
}

type tenantAdmin struct {
	svc   *service.TenantService
	repo  *repository.TenantRepository
	close func()
}

func openTenantService(ctx context.Context) (*tenantAdmin, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	pool, err := getDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := repository.NewTenantRepository(pool)
	return &tenantAdmin{
		svc:   service.NewTenantService(repo, repository.NewAPIKeyRepository(pool), nil),
		repo:  repo,
		close: pool.Close,
	}, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func TenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
		Long:  "Create and list tenants",
	}

	cmd.AddCommand(TenantCreateCmd())
	cmd.AddCommand(TenantListCmd())

	return cmd
}

func TenantCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputFormat, _ := cmd.Flags().GetString("output")
			withKey, _ := cmd.Flags().GetBool("with-key")
			return runTenantCreate(cmd.Context(), args[0], withKey, outputFormat)
		},
	}

	cmd.Flags().String("output", "text", "Output format (text or json)")
	cmd.Flags().Bool("with-key", false, "Also issue a first API key for the tenant")

	return cmd
}

func runTenantCreate(ctx context.Context, name string, withKey bool, outputFormat string) error {
	ts, err := openTenantService(ctx)
	if err != nil {
		return err
	}
	defer ts.close()
	svc := ts.svc

	tenant, err := svc.CreateTenant(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	var token string
	if withKey {
		if token, err = svc.CreateAPIKey(ctx, tenant.ID, "default"); err != nil {
			return fmt.Errorf("tenant created but API key failed: %w", err)
		}
	}

	if outputFormat == "json" {
		data := map[string]any{
			"id":         tenant.ID,
			"name":       tenant.Name,
			"created_at": tenant.CreatedAt,
		}
		if token != "" {
			data["token"] = token
		}
		return printJSON(data)
	}

	fmt.Printf("Tenant created: %s (%s)\n", tenant.Name, tenant.ID)
	if token != "" {
		fmt.Printf("Token: %s\n", token)
		fmt.Println("\nSave this token now. It cannot be shown again.")
	}
	return nil
}

func TenantListCmd() *cobra.Command {
	var (
		limit  int
		cursor string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputFormat, _ := cmd.Flags().GetString("output")
			return runTenantList(cmd.Context(), outputFormat, limit, cursor)
		},
	}

	cmd.Flags().String("output", "text", "Output format (text or json)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of results")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Pagination cursor from previous response")

	return cmd
}

func runTenantList(ctx context.Context, outputFormat string, limit int, cursor string) error {
	ts, err := openTenantService(ctx)
	if err != nil {
		return err
	}
	defer ts.close()
	svc := ts.svc
	result, err := svc.ListTenants(ctx, cursor, limit)
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	if outputFormat == "json" {
		items := make([]map[string]any, len(result.Items))
		for i, t := range result.Items {
			items[i] = map[string]any{"id": t.ID, "name": t.Name, "created_at": t.CreatedAt}
		}
		return printJSON(map[string]any{
			"items":    items,
			"cursor":   result.Cursor,
			"has_more": result.HasMore,
		})
	}

	if len(result.Items) == 0 {
		fmt.Println("No tenants found")
		return nil
	}
	for _, t := range result.Items {
		fmt.Printf("  %s: %s (created: %s)\n", t.ID, t.Name, t.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	if result.HasMore && result.Cursor != "" {
		fmt.Printf("\nMore results available. Use --cursor %s\n", result.Cursor)
	}
	return nil
}
