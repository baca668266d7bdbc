package admin

import (
	"fmt"

	"github.com/spf13/cobra"
)

func APIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "Create, list, and revoke tenant API keys",
	}

	cmd.AddCommand(APIKeyCreateCmd())
	cmd.AddCommand(APIKeyListCmd())
	cmd.AddCommand(APIKeyRevokeCmd())

	return cmd
}

func APIKeyCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Create a new API key for a tenant. The token is printed once.",
		RunE:  runAPIKeyCreate,
	}

	cmd.Flags().StringP("tenant", "t", "", "Tenant ID or name (required)")
	cmd.Flags().StringP("name", "n", "", "API key name (required)")
	cmd.Flags().String("output", "text", "Output format (text or json)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tenantRef, _ := cmd.Flags().GetString("tenant")
	name, _ := cmd.Flags().GetString("name")
	outputFormat, _ := cmd.Flags().GetString("output")

	ts, err := openTenantService(ctx)
	if err != nil {
		return err
	}
	defer ts.close()

	tenantID, err := resolveTenantID(ctx, ts.repo, tenantRef)
	if err != nil {
		return err
	}

	token, err := ts.svc.CreateAPIKey(ctx, tenantID, name)
	if err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}

	if outputFormat == "json" {
		return printJSON(map[string]any{
			"tenant_id": tenantID,
			"name":      name,
			"token":     token,
		})
	}

	fmt.Printf("API key created for tenant %s\n", tenantID)
	fmt.Printf("Key Name: %s\n", name)
	fmt.Printf("Token: %s\n", token)
	fmt.Println("\nSave this token now. It cannot be shown again.")
	return nil
}

func APIKeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for a tenant",
		RunE:  runAPIKeyList,
	}

	cmd.Flags().StringP("tenant", "t", "", "Tenant ID or name (required)")
	cmd.Flags().String("output", "text", "Output format (text or json)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func runAPIKeyList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	tenantRef, _ := cmd.Flags().GetString("tenant")
	outputFormat, _ := cmd.Flags().GetString("output")

	ts, err := openTenantService(ctx)
	if err != nil {
		return err
	}
	defer ts.close()

	tenantID, err := resolveTenantID(ctx, ts.repo, tenantRef)
	if err != nil {
		return err
	}

	keys, err := ts.svc.ListAPIKeys(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to list API keys: %w", err)
	}

	if outputFormat == "json" {
		items := make([]map[string]any, len(keys))
		for i, key := range keys {
			items[i] = map[string]any{
				"id":         key.ID,
				"name":       key.Name,
				"tenant_id":  key.TenantID,
				"created_at": key.CreatedAt,
				"revoked_at": key.RevokedAt,
				"revoked":    key.IsRevoked(),
			}
		}
		return printJSON(map[string]any{"items": items})
	}

	if len(keys) == 0 {
		fmt.Printf("No API keys found for tenant %s\n", tenantID)
		return nil
	}
	fmt.Printf("API keys for tenant %s:\n", tenantID)
	for _, key := range keys {
		status := "active"
		if key.IsRevoked() {
			status = "revoked"
		}
		fmt.Printf("  %s: %s (%s, created: %s)\n", key.ID, key.Name, status, key.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func APIKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE:  runAPIKeyRevoke,
	}

	cmd.Flags().String("output", "text", "Output format (text or json)")

	return cmd
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	keyID := args[0]
	outputFormat, _ := cmd.Flags().GetString("output")

	ts, err := openTenantService(ctx)
	if err != nil {
		return err
	}
	defer ts.close()

	if err := ts.svc.RevokeAPIKey(ctx, keyID); err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}

	if outputFormat == "json" {
		return printJSON(map[string]any{"id": keyID, "revoked": true})
	}
	fmt.Printf("API key %s revoked\n", keyID)
	return nil
}
