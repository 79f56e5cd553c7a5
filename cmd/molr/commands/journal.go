package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/molr/molr/pkg/stores"
)

func newJournalCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect recorded mission runs",
		Long: `Inspect mission runs recorded with 'molr run --journal'.

The database defaults to the store path of the configuration.`,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "journal database path")

	cmd.AddCommand(newJournalListCommand(&dbPath))
	cmd.AddCommand(newJournalShowCommand(&dbPath))
	return cmd
}

func newJournalListCommand(dbPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded mission runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd.Context(), *dbPath, func(ctx context.Context, j stores.Journal) error {
				missions, err := j.ListMissions(ctx, limit, 0)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, missions)
				}
				for _, m := range missions {
					fmt.Fprintf(out, "%s  %-9s %s  %s\n", m.RunID, m.Status, m.StartedAt.Local().Format(time.DateTime), m.Name)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs (0 for all)")
	return cmd
}

func newJournalShowCommand(dbPath *string) *cobra.Command {
	var (
		strandID  string
		eventType string
	)

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the strands, leaf results and events of a run",
		Example: `  molr journal show 5f0c... --strand 2
  molr journal show 5f0c... --type error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			return withJournal(cmd.Context(), *dbPath, func(ctx context.Context, j stores.Journal) error {
				mission, err := j.GetMission(ctx, runID)
				if err != nil {
					return err
				}
				strands, err := j.ListStrands(ctx, runID)
				if err != nil {
					return err
				}
				results, err := j.ListLeafResults(ctx, runID)
				if err != nil {
					return err
				}

				filter := stores.EventFilter{}
				if strandID != "" {
					filter.StrandID = &strandID
				}
				if eventType != "" {
					filter.Type = &eventType
				}
				events, err := j.ListEvents(ctx, runID, filter)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, map[string]interface{}{
						"mission": mission,
						"strands": strands,
						"results": results,
						"events":  events,
					})
				}

				fmt.Fprintf(out, "%s %s (%s)\n", mission.RunID, mission.Name, mission.Status)
				fmt.Fprintln(out, "strands:")
				for _, s := range strands {
					parent := "-"
					if s.ParentID != nil {
						parent = *s.ParentID
					}
					fmt.Fprintf(out, "  %s parent=%s root=%s\n", s.StrandID, parent, s.RootBlock)
				}
				fmt.Fprintln(out, "leaf results:")
				for _, r := range results {
					fmt.Fprintf(out, "  %s %s (%d executions)\n", r.BlockID, r.Result, r.Executions)
				}
				fmt.Fprintln(out, "events:")
				for _, ev := range events {
					fmt.Fprintf(out, "  %s %s%s\n", ev.Timestamp.Local().Format(time.TimeOnly), ev.Type, eventDetail(ev))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&strandID, "strand", "", "only show events of this strand")
	cmd.Flags().StringVar(&eventType, "type", "", "only show events of this type")
	return cmd
}

func eventDetail(ev *stores.Event) string {
	detail := ""
	add := func(key string, v *string) {
		if v != nil {
			detail += " " + key + "=" + *v
		}
	}
	add("strand", ev.StrandID)
	add("state", ev.State)
	add("block", ev.BlockID)
	add("command", ev.Command)
	add("result", ev.Result)
	add("class", ev.ErrorClass)
	add("code", ev.ErrorCode)
	if ev.Message != nil {
		detail += fmt.Sprintf(" message=%q", *ev.Message)
	}
	return detail
}

func withJournal(ctx context.Context, dbPath string, fn func(context.Context, stores.Journal) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	storeCfg := cfg.Store.Config
	if dbPath != "" {
		storeCfg.Path = dbPath
	}

	journal, err := stores.NewSQLiteJournal(storeCfg)
	if err != nil {
		return err
	}
	if err := journal.Init(ctx); err != nil {
		return err
	}
	defer journal.Close()

	if err := journal.Migrate(ctx); err != nil {
		return err
	}
	return fn(ctx, journal)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
