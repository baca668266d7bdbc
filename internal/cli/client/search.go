package client

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

type filterFlags struct {
	source          string
	tags            []string
	language        string
	includeArchived bool
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.source, "source", "s", "", "Only chunks from this source")
	cmd.Flags().StringSliceVarP(&f.tags, "tag", "t", nil, "Only chunks carrying any of these tags (repeatable)")
	cmd.Flags().StringVar(&f.language, "language", "", "Only chunks in this language")
	cmd.Flags().BoolVar(&f.includeArchived, "include-archived", false, "Include archived chunks")
}

func (f *filterFlags) filters() domain.SearchFilters {
	return domain.SearchFilters{
		Source:          f.source,
		Tags:            f.tags,
		Language:        f.language,
		IncludeArchived: f.includeArchived,
	}
}

func SearchCmd() *cobra.Command {
	var (
		limit   int
		filters filterFlags
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}

			var hits []domain.RetrievalHit
			err = api.Post(cmd.Context(), "/knowledge/search", map[string]any{
				"query":   args[0],
				"limit":   limit,
				"filters": filters.filters(),
			}, &hits)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(w, hits)
			}
			printHits(w, hits)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of results (server default when 0)")
	filters.register(cmd)

	return cmd
}

func printHits(w io.Writer, hits []domain.RetrievalHit) {
	if len(hits) == 0 {
		fmt.Fprintln(w, "No results found")
		return
	}
	for i, h := range hits {
		headerColor.Fprintf(w, "%d. %s", i+1, h.Source)
		dimColor.Fprintf(w, "  score=%.3f similarity=%.3f  %s\n", h.Score, h.Similarity, h.ChunkID)
		fmt.Fprintf(w, "   %s\n", truncate(h.Text, 120))
	}
}

func AskCmd() *cobra.Command {
	var (
		limit       int
		historyFile string
		showSources bool
		filters     filterFlags
	)

	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Ask the support agent a question",
		Long: `Ask the agent to answer a customer question from the knowledge base.

--history points to a JSON array of prior turns: [{"role": "user", "content": "..."}].`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var history []domain.Message
			if historyFile != "" {
				data, err := readInput(cmd, historyFile)
				if err != nil {
					return fmt.Errorf("failed to read history: %w", err)
				}
				if err := json.Unmarshal(data, &history); err != nil {
					return fmt.Errorf("invalid history file: %w", err)
				}
			}

			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}

			var result domain.AgentResult
			err = api.Post(cmd.Context(), "/agent/answer", map[string]any{
				"query":   args[0],
				"history": history,
				"filters": filters.filters(),
				"limit":   limit,
			}, &result)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return writeJSON(w, result)
			}
			printAnswer(w, &result, showSources)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum chunks to retrieve (server default when 0)")
	cmd.Flags().StringVar(&historyFile, "history", "", "JSON file with the prior conversation")
	cmd.Flags().BoolVar(&showSources, "sources", false, "Show the chunks used as context")
	filters.register(cmd)

	return cmd
}

func printAnswer(w io.Writer, r *domain.AgentResult, showSources bool) {
	fmt.Fprintln(w, r.Content)
	fmt.Fprintln(w)
	if r.Escalate {
		warnColor.Fprintf(w, "Escalate to a human agent (%s)\n", r.EscalationReason)
	} else {
		okColor.Fprintln(w, "Answer can be sent directly")
	}
	if r.ModelID != "" {
		dimColor.Fprintf(w, "model: %s\n", r.ModelID)
	}
	if showSources && len(r.HitsUsed) > 0 {
		fmt.Fprintln(w)
		printHits(w, r.HitsUsed)
	}
}
