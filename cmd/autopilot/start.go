package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/autopilot/internal/app"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/sessions"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run one session per resource and wait for the outcome",
	Long: `Starts a session for every --resource with the given behavior counts,
waits for all of them to finish and prints their final status. An interrupt
stops the sessions cooperatively.`,
	RunE: runStart,
}

var (
	startResources []string
	startOwner     string
	startCounts    = make(map[models.BehaviorName]*int)
)

func init() {
	startCmd.Flags().StringArrayVarP(&startResources, "resource", "r", nil, "Resource id (can be specified multiple times)")
	startCmd.Flags().StringVar(&startOwner, "owner", "cli", "Owner id recorded on the sessions")
	for _, name := range models.AllBehaviors {
		startCounts[name] = startCmd.Flags().Int(behaviorFlagName(name), 0, fmt.Sprintf("Target count for %s (0 disables)", name))
	}
	startCmd.MarkFlagRequired("resource")
}

// behaviorFlagName maps a behavior to its flag, join_groups to --join-groups
func behaviorFlagName(name models.BehaviorName) string {
	return strings.ReplaceAll(string(name), "_", "-")
}

func behaviorFlags() models.BehaviorConfig {
	counts := make(map[models.BehaviorName]int, len(startCounts))
	for name, count := range startCounts {
		counts[name] = *count
	}
	return models.BehaviorConfigFromCounts(counts)
}

func runStart(cmd *cobra.Command, args []string) error {
	initLogger("autopilot.log")

	application, err := app.New(config, logger, configFiles)
	if err != nil {
		return err
	}
	defer application.Close()

	svc := application.SessionService
	behaviors := behaviorFlags()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	started := make([]string, 0, len(startResources))
	for _, resourceID := range startResources {
		session, err := svc.StartSession(context.Background(), sessions.StartRequest{
			ResourceID: resourceID,
			OwnerID:    startOwner,
			Behaviors:  behaviors,
		})
		if err != nil {
			logger.Error().Err(err).Str("resource_id", resourceID).Msg("Failed to start session")
			continue
		}
		fmt.Printf("started %s run=%s\n", resourceID, session.RunID)
		started = append(started, resourceID)
	}
	if len(started) == 0 {
		return errors.New("no session started")
	}

	// Stop every session on interrupt, then keep waiting for the outcomes
	go func() {
		<-ctx.Done()
		for _, resourceID := range started {
			if _, err := svc.StopSession(context.Background(), resourceID); err != nil {
				logger.Warn().Err(err).Str("resource_id", resourceID).Msg("Failed to stop session")
			}
		}
	}()

	poll := 500 * time.Millisecond
	statuses := make([]*models.SessionStatus, len(started))
	g := new(errgroup.Group)
	for i, resourceID := range started {
		g.Go(func() error {
			status, err := svc.AwaitSession(context.Background(), resourceID, poll)
			if err != nil {
				return fmt.Errorf("%s: %w", resourceID, err)
			}
			statuses[i] = status
			return nil
		})
	}
	waitErr := g.Wait()

	failed := 0
	for _, status := range statuses {
		if status == nil {
			continue
		}
		printStatus(status)
		if status.State == models.SessionStateError {
			failed++
		}
	}
	if waitErr != nil {
		return waitErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions ended in error", failed, len(started))
	}
	return nil
}
