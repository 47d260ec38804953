package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/promptarena/promptarena/db"
	"github.com/promptarena/promptarena/errors"
	"github.com/promptarena/promptarena/logger"
	"github.com/promptarena/promptarena/queue"
	"github.com/promptarena/promptarena/run"
)

var statusJSON bool

// StatusCmd reports queue depth and run activity.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and run statistics",
	RunE:  runStatus,
}

func init() {
	StatusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Output as JSON")
	StatusCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file path")
}

type statusReport struct {
	QueuedJobs  int `json:"queued_jobs"`
	RunningJobs int `json:"running_jobs"`
	PendingRuns int `json:"pending_runs"`
	ActiveRuns  int `json:"active_runs"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	jobStore := queue.NewStore(database)
	runStore := run.NewStore(database)

	queued, running, err := jobStore.Stats()
	if err != nil {
		return err
	}
	pending, err := runStore.ListRunsByStatus(run.StatusPending)
	if err != nil {
		return err
	}
	active, err := runStore.ListRunsByStatus(run.StatusRunning)
	if err != nil {
		return err
	}

	report := statusReport{
		QueuedJobs:  queued,
		RunningJobs: running,
		PendingRuns: len(pending),
		ActiveRuns:  len(active),
	}

	if statusJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to format status")
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Jobs:  %d queued, %d running\n", report.QueuedJobs, report.RunningJobs)
	fmt.Printf("Runs:  %d pending, %d active\n", report.PendingRuns, report.ActiveRuns)
	for _, r := range active {
		counts, err := jobStore.CountForRun(r.ID)
		if err != nil {
			return err
		}
		fmt.Printf("  %s  %-24s %d/%d jobs done\n", r.ID, r.Name, counts.Terminal(), counts.Total)
	}
	return nil
}
