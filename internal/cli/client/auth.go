package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func AuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authentication credentials",
		Long:  "Login, logout, and check authentication status for the kbagent CLI",
	}

	cmd.AddCommand(AuthLoginCmd())
	cmd.AddCommand(AuthLogoutCmd())
	cmd.AddCommand(AuthStatusCmd())

	return cmd
}

func AuthLoginCmd() *cobra.Command {
	var (
		apiKey   string
		apiURL   string
		noVerify bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login with an API key",
		Long:  "Verify the API key against the server and store it in ~/.config/kbagent/config.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Enter API key: ")
				input, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && input == "" {
					return fmt.Errorf("failed to read API key: %w", err)
				}
				apiKey = strings.TrimSpace(input)
			}
			return runAuthLogin(cmd.Context(), cmd.OutOrStdout(), apiKey, apiURL, !noVerify)
		},
	}

	cmd.Flags().StringVar(&apiKey, "key", "", "API key (kba_...)")
	cmd.Flags().StringVar(&apiURL, "url", defaultAPIURL, "API URL")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Store the key without contacting the server")

	return cmd
}

func AuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := DeleteGlobalConfig(); err != nil {
				return fmt.Errorf("failed to logout: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Successfully logged out")
			return nil
		},
	}
}

func AuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		RunE: func(cmd *cobra.Command, args []string) error {
			flagKey, _ := cmd.Flags().GetString("api-key")
			flagURL, _ := cmd.Flags().GetString("api-url")
			return runAuthStatus(cmd.OutOrStdout(), flagKey, flagURL, jsonOutput(cmd))
		},
	}
}

// TenantInfo is the body of GET /tenant.
type TenantInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func runAuthLogin(ctx context.Context, w io.Writer, apiKey, apiURL string, verify bool) error {
	if !IsValidAPIKey(apiKey) {
		return fmt.Errorf("invalid API key format (expected: kba_ + 64 hex characters)")
	}

	if verify {
		var tenant TenantInfo
		if err := NewAPIClient(apiKey, apiURL).Get(ctx, "/tenant", &tenant); err != nil {
			return fmt.Errorf("failed to verify API key: %w", err)
		}
		fmt.Fprintf(w, "Authenticated as tenant %s (%s)\n", tenant.Name, tenant.ID)
	}

	if err := SaveGlobalConfig(&GlobalConfig{APIKey: apiKey, APIURL: apiURL}); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	okColor.Fprintln(w, "Successfully logged in")
	return nil
}

func runAuthStatus(w io.Writer, flagKey, flagURL string, asJSON bool) error {
	source, apiKey, apiURL := GetCredentialSource(flagKey, flagURL)

	if asJSON {
		status := map[string]any{
			"authenticated": source != SourceNone,
			"source":        string(source),
		}
		if source != SourceNone {
			status["api_key"] = maskAPIKey(apiKey)
			status["api_url"] = apiURL
		}
		return writeJSON(w, status)
	}

	if source == SourceNone {
		fmt.Fprintln(w, "Not authenticated")
		fmt.Fprintln(w, "Run 'kbagent auth login' to authenticate")
		return nil
	}
	fmt.Fprintf(w, "Source:  %s\n", source)
	fmt.Fprintf(w, "API Key: %s\n", maskAPIKey(apiKey))
	fmt.Fprintf(w, "API URL: %s\n", apiURL)
	return nil
}

func maskAPIKey(key string) string {
	if len(key) < 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// readInput reads a file, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
