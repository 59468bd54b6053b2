package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored record of one run",
	RunE:  runStatus,
}

var statusRunID string

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "Run record id")
	statusCmd.MarkFlagRequired("run")
}

// openStorage opens the run history without building the orchestrator
func openStorage() (interfaces.RunStorage, error) {
	initLogger("autopilot.log")
	return storage.NewRunStorage(logger, config)
}

func runStatus(cmd *cobra.Command, args []string) error {
	runStorage, err := openStorage()
	if err != nil {
		return err
	}
	defer runStorage.Close()

	record, err := runStorage.Get(context.Background(), statusRunID)
	if err != nil {
		return err
	}
	printRecord(record)
	return nil
}

func printStatus(s *models.SessionStatus) {
	fmt.Printf("%s state=%s duration=%s progress=%s\n",
		s.ResourceID, s.State, s.Duration.Round(time.Second), formatProgress(s.Progress))
	if s.ErrorStatus != nil {
		fmt.Printf("  error: %s at %s: %s\n", s.ErrorStatus.Type, s.ErrorStatus.Stage, s.ErrorStatus.Message)
	}
}

func printRecord(r *models.RunRecord) {
	fmt.Printf("run=%s resource=%s owner=%s mode=%s status=%s progress=%s\n",
		r.ID, r.ResourceID, r.OwnerID, r.Mode, r.Status, formatProgress(r.Progress))
	if r.StartedAt != nil {
		fmt.Printf("  started: %s\n", r.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if r.EndedAt != nil {
		fmt.Printf("  ended:   %s\n", r.EndedAt.Format("2006-01-02 15:04:05"))
	}
	if r.Error != nil {
		fmt.Printf("  error: %s at %s: %s\n", r.Error.Type, r.Error.Stage, r.Error.Message)
		if r.Error.Screenshot != "" {
			fmt.Printf("  screenshot: %s\n", r.Error.Screenshot)
		}
	}
}

func formatProgress(progress map[models.BehaviorName]*models.BehaviorProgress) string {
	parts := make([]string, 0, len(progress))
	for name, p := range progress {
		parts = append(parts, fmt.Sprintf("%s:%d/%d", name, p.Achieved, p.Target))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
