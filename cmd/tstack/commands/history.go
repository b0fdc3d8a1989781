package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		events string
		keep   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past deployments of the stack",
		Long: `List the recorded runs of the stack, newest first.

--events prints the timeline of a single run. --prune deletes all but the
newest runs together with their events and outputs.`,
		Example: `  # Last ten runs
  tstack history --limit 10

  # Timeline of one run
  tstack history --events 6f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer s.close()

			store, err := s.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if keep > 0 {
				n, err := store.PruneRuns(s.ctx, s.cfg.Name, keep)
				if err != nil {
					return err
				}
				fmt.Printf("✓ Pruned %d run(s)\n", n)
				return nil
			}

			if events != "" {
				timeline, err := store.GetEvents(s.ctx, events)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(timeline)
				}
				for _, e := range timeline {
					fmt.Printf("%s  %-18s %-5s %s %s\n",
						e.Timestamp.Format("15:04:05.000"), e.Type, e.Level, e.URN, e.Message)
				}
				return nil
			}

			runs, err := store.ListRuns(s.ctx, s.cfg.Name, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Printf("Stack %s has no recorded runs\n", s.cfg.Name)
				return nil
			}
			fmt.Printf("%-36s  %-20s  %-9s  %8s  %s\n", "RUN", "STARTED", "STATUS", "DURATION", "CHANGES")
			for _, r := range runs {
				fmt.Printf("%-36s  %-20s  %-9s  %8s  +%d ~%d =%d !%d\n",
					r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Duration.Round(time.Second),
					r.Summary.Created, r.Summary.Updated, r.Summary.Unchanged, r.Summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	cmd.Flags().StringVar(&events, "events", "", "print the event timeline of this run")
	cmd.Flags().IntVar(&keep, "prune", 0, "keep only the newest N runs")

	return cmd
}
