package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

// Chunk mirrors the chunk representation returned by the server.
type Chunk struct {
	ID               string          `json:"id"`
	Source           string          `json:"source"`
	Key              string          `json:"key"`
	Text             string          `json:"text"`
	Language         string          `json:"language"`
	Tags             []string        `json:"tags"`
	Metadata         domain.Metadata `json:"metadata"`
	Version          int             `json:"version"`
	Embedded         bool            `json:"embedded"`
	EmbeddingPending bool            `json:"embedding_pending"`
	ArchivedAt       *time.Time      `json:"archived_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type chunkList struct {
	Items   []Chunk `json:"items"`
	Cursor  string  `json:"cursor"`
	HasMore bool    `json:"has_more"`
}

type selectorBody struct {
	IDs             []string   `json:"ids,omitempty"`
	Source          string     `json:"source,omitempty"`
	Before          *time.Time `json:"before,omitempty"`
	IncludeArchived bool       `json:"include_archived,omitempty"`
	Archived        *bool      `json:"archived,omitempty"`
}

type countResult struct {
	Affected int `json:"affected"`
}

func addSelectorFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("id", nil, "Chunk ID (repeatable)")
	cmd.Flags().StringP("source", "s", "", "Source identifier")
	cmd.Flags().String("before", "", "Only chunks last updated before this RFC3339 time")
}

func selectorFromFlags(cmd *cobra.Command) (selectorBody, error) {
	ids, _ := cmd.Flags().GetStringSlice("id")
	source, _ := cmd.Flags().GetString("source")
	before, _ := cmd.Flags().GetString("before")

	sel := selectorBody{IDs: ids, Source: source}
	if before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return sel, fmt.Errorf("invalid --before: %w", err)
		}
		sel.Before = &t
	}
	return sel, nil
}

// parseChunkInputs accepts a JSON array of chunks or an object with a
// "chunks" field.
func parseChunkInputs(data []byte) ([]domain.ChunkInput, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("input is empty")
	}

	var chunks []domain.ChunkInput
	if data[0] == '[' {
		if err := json.Unmarshal(data, &chunks); err != nil {
			return nil, fmt.Errorf("invalid chunk array: %w", err)
		}
		return chunks, nil
	}

	var wrapped struct {
		Chunks []domain.ChunkInput `json:"chunks"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("invalid chunk document: %w", err)
	}
	if wrapped.Chunks == nil {
		return nil, fmt.Errorf(`expected a JSON array or an object with a "chunks" field`)
	}
	return wrapped.Chunks, nil
}

func PushCmd() *cobra.Command {
	var (
		source   string
		document bool
		name     string
		language string
		tags     []string
	)

	cmd := &cobra.Command{
		Use:   "push <file|->",
		Short: "Upload knowledge chunks or a document",
		Long: `Upload knowledge for the authenticated tenant.

By default the file holds JSON chunks: [{"key": "...", "text": "...", "tags": [...]}].
With --document the file is plain text that the server splits into chunks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			data, err := readInput(cmd, args[0])
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}

			var summary domain.UpsertSummary
			if document {
				if name == "" && args[0] != "-" {
					name = filepath.Base(args[0])
				}
				err = api.Post(cmd.Context(), "/knowledge/documents", map[string]any{
					"source":   source,
					"document": name,
					"text":     string(data),
					"language": language,
					"tags":     tags,
				}, &summary)
			} else {
				var chunks []domain.ChunkInput
				if chunks, err = parseChunkInputs(data); err != nil {
					return err
				}
				err = api.Post(cmd.Context(), "/knowledge/chunks", map[string]any{
					"source": source,
					"chunks": chunks,
				}, &summary)
			}
			if err != nil {
				return err
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			fprintSummary(cmd.OutOrStdout(), "Pushed",
				"created", summary.Created,
				"updated", summary.Updated,
				"skipped", summary.Skipped,
				"pending", summary.EmbeddingPending)
			if summary.EmbeddingPending > 0 {
				warnColor.Fprintln(cmd.OutOrStdout(), "Some chunks are waiting for embeddings and are not searchable yet.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Source identifier (required)")
	cmd.Flags().BoolVar(&document, "document", false, "Treat input as a plain text document")
	cmd.Flags().StringVar(&name, "name", "", "Document name (defaults to the file name)")
	cmd.Flags().StringVar(&language, "language", "", "Document language (detected when empty)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Tag applied to every chunk of the document (repeatable)")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func GetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			var c Chunk
			if err := api.Get(cmd.Context(), "/knowledge/chunks/"+url.PathEscape(args[0]), &c); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(w, c)
			}
			headerColor.Fprintf(w, "%s/%s", c.Source, c.Key)
			dimColor.Fprintf(w, "  v%d  %s\n", c.Version, c.ID)
			if len(c.Tags) > 0 {
				fmt.Fprintf(w, "tags: %s\n", strings.Join(c.Tags, ", "))
			}
			if c.Language != "" {
				fmt.Fprintf(w, "language: %s\n", c.Language)
			}
			if c.ArchivedAt != nil {
				warnColor.Fprintf(w, "archived %s\n", c.ArchivedAt.Format(time.RFC3339))
			}
			if c.EmbeddingPending {
				warnColor.Fprintln(w, "embedding pending")
			}
			fmt.Fprintf(w, "\n%s\n", c.Text)
			return nil
		},
	}
}

func ListCmd() *cobra.Command {
	var (
		source          string
		includeArchived bool
		limit           int
		cursor          string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List current chunks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}

			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if source != "" {
				q.Set("source", source)
			}
			if includeArchived {
				q.Set("include_archived", "true")
			}
			if cursor != "" {
				q.Set("cursor", cursor)
			}

			var page chunkList
			if err := api.Get(cmd.Context(), "/knowledge/chunks?"+q.Encode(), &page); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(w, page)
			}
			if len(page.Items) == 0 {
				fmt.Fprintln(w, "No chunks found")
				return nil
			}
			for _, c := range page.Items {
				headerColor.Fprintf(w, "%s/%s", c.Source, c.Key)
				dimColor.Fprintf(w, "  %s  v%d\n", c.ID, c.Version)
				fmt.Fprintf(w, "  %s\n", truncate(c.Text, 100))
			}
			if page.HasMore {
				dimColor.Fprintf(w, "\nMore results available. Use --cursor %s\n", page.Cursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&source, "source", "s", "", "Only chunks from this source")
	cmd.Flags().BoolVar(&includeArchived, "include-archived", false, "Include archived chunks")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of results")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Pagination cursor from previous response")

	return cmd
}

func runCount(cmd *cobra.Command, path, verb string, body any) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}
	var res countResult
	if err := api.Post(cmd.Context(), path, body, &res); err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	fprintSummary(cmd.OutOrStdout(), verb, "chunks", res.Affected)
	return nil
}

func ArchiveCmd() *cobra.Command {
	var restore bool

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Hide chunks from retrieval, or restore them",
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := selectorFromFlags(cmd)
			if err != nil {
				return err
			}
			archived := !restore
			sel.Archived = &archived

			verb := "Archived"
			if restore {
				verb = "Restored"
			}
			return runCount(cmd, "/knowledge/archive", verb, sel)
		},
	}

	addSelectorFlags(cmd)
	cmd.Flags().BoolVar(&restore, "restore", false, "Restore archived chunks instead")

	return cmd
}

func DeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Permanently delete chunks and all their versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := selectorFromFlags(cmd)
			if err != nil {
				return err
			}
			if len(sel.IDs) == 0 && sel.Source == "" {
				return fmt.Errorf("select chunks with --id or --source")
			}
			if !yes {
				return fmt.Errorf("deletion is permanent; re-run with --yes to confirm")
			}
			return runCount(cmd, "/knowledge/delete", "Deleted", sel)
		},
	}

	addSelectorFlags(cmd)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm permanent deletion")

	return cmd
}

func ReindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Recompute embeddings",
		Long:  "Recompute embeddings for the selected chunks, or for the whole tenant when nothing is selected.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := selectorFromFlags(cmd)
			if err != nil {
				return err
			}
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}

			var summary domain.ReindexSummary
			if err := api.Post(cmd.Context(), "/knowledge/reindex", sel, &summary); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			fprintSummary(cmd.OutOrStdout(), "Reindexed",
				"processed", summary.Processed,
				"succeeded", summary.Succeeded,
				"failed", summary.Failed)
			return nil
		},
	}

	addSelectorFlags(cmd)
	return cmd
}

type snapshotResult struct {
	Key         string `json:"key"`
	DownloadURL string `json:"download_url"`
	Chunks      int    `json:"chunks"`
}

func ExportCmd() *cobra.Command {
	var includeArchived bool

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a JSON lines snapshot of the knowledge base to object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := selectorFromFlags(cmd)
			if err != nil {
				return err
			}
			sel.IncludeArchived = includeArchived

			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			var res snapshotResult
			if err := api.Post(cmd.Context(), "/knowledge/export", sel, &res); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(w, res)
			}
			fprintSummary(w, "Exported", "chunks", res.Chunks, "key", res.Key)
			if res.DownloadURL != "" {
				fmt.Fprintf(w, "Download: %s\n", res.DownloadURL)
			}
			return nil
		},
	}

	addSelectorFlags(cmd)
	cmd.Flags().BoolVar(&includeArchived, "include-archived", false, "Include archived chunks")

	return cmd
}
