package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rand/asc/internal/playbook"
	"github.com/rand/asc/pkg/config"
	"github.com/rand/asc/pkg/models"
)

func newPlaybookCommand() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "playbook",
		Short: "Inspect and curate an agent's playbook",
	}
	cmd.PersistentFlags().StringVarP(&agent, "agent", "a", "", "Agent name (defaults to AGENT_NAME)")

	cmd.AddCommand(newPlaybookShowCommand(&agent))
	cmd.AddCommand(newPlaybookStatsCommand(&agent))
	cmd.AddCommand(newPlaybookPruneCommand(&agent))
	return cmd
}

// openStore loads the named agent's playbook from the configured backend.
func openStore(ctx context.Context, agent string) (*playbook.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if agent == "" {
		agent = cfg.Agent.Name
	}
	if agent == "" {
		return nil, nil, fmt.Errorf("agent name required (--agent or AGENT_NAME)")
	}
	storage, closeStorage, err := openPlaybookStorage(ctx, cfg.Playbook)
	if err != nil {
		return nil, nil, err
	}
	return playbook.NewStore(ctx, agent, storage, playbook.Options{MaxLessons: cfg.Playbook.MaxLessons}), closeStorage, nil
}

func newPlaybookShowCommand(agent *string) *cobra.Command {
	var (
		asJSON bool
		phase  string
		query  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List lessons, optionally ranked for a phase and description",
		Example: `  asc-agent playbook show --agent tester
  asc-agent playbook show --phase testing --query "flaky test" --limit 3 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStorage, err := openStore(cmd.Context(), *agent)
			if err != nil {
				return err
			}
			defer closeStorage()

			lessons := store.Lessons()
			if phase != "" || query != "" {
				k := limit
				if k <= 0 {
					k = len(lessons)
				}
				lessons = store.Retrieve(phase, query, k)
			} else if limit > 0 && limit < len(lessons) {
				lessons = lessons[:limit]
			}

			out := cmd.OutOrStdout()
			if asJSON || !isTerminal(out) {
				return writeJSON(out, lessons)
			}
			return writeLessonTable(out, lessons, terminalWidth(out))
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON even on a terminal")
	cmd.Flags().StringVar(&phase, "phase", "", "Rank lessons for this phase")
	cmd.Flags().StringVarP(&query, "query", "q", "", "Rank lessons against this task description")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum lessons to show (0 = all)")
	return cmd
}

func newPlaybookStatsCommand(agent *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize lesson counts and relevance",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStorage, err := openStore(cmd.Context(), *agent)
			if err != nil {
				return err
			}
			defer closeStorage()
			return writeJSON(cmd.OutOrStdout(), store.Stats())
		},
	}
}

func newPlaybookPruneCommand(agent *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Decay relevance and drop the weakest lessons over the cap",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStorage, err := openStore(cmd.Context(), *agent)
			if err != nil {
				return err
			}
			defer closeStorage()

			before := store.Len()
			if err := store.Prune(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %s: %d -> %d lessons\n", store.Agent(), before, store.Len())
			return nil
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return 120
}

// writeLessonTable renders one row per lesson, clipping the learned text to
// fit width.
func writeLessonTable(w io.Writer, lessons []models.Lesson, width int) error {
	if len(lessons) == 0 {
		_, err := fmt.Fprintln(w, "no lessons")
		return err
	}
	sorted := append([]models.Lesson(nil), lessons...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RelevanceScore > sorted[j].RelevanceScore
	})

	// type and score columns plus padding
	learnedWidth := width - 40
	if learnedWidth < 20 {
		learnedWidth = 20
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSCORE\tCREATED\tLEARNED")
	for _, l := range sorted {
		fmt.Fprintf(tw, "%s\t%.2f\t%s\t%s\n",
			l.TaskType, l.RelevanceScore, l.CreatedAt.Format("2006-01-02"), clip(l.Learned, learnedWidth))
	}
	return tw.Flush()
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
