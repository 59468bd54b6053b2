package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/sessions"
)

// SweepJobName is the job that evicts expired sessions
const SweepJobName = "session-sweep"

// SessionStarter is the part of the session service campaigns need
type SessionStarter interface {
	StartSession(ctx context.Context, req sessions.StartRequest) (*models.Session, error)
}

// Sweeper evicts terminal sessions past retention
type Sweeper interface {
	Sweep() int
}

// RegisterSweep schedules the registry retention sweep
func RegisterSweep(s interfaces.SchedulerService, schedule string, sweeper Sweeper, logger arbor.ILogger) error {
	return s.RegisterJob(SweepJobName, schedule, "Evict terminal sessions past retention", func(ctx context.Context) error {
		if evicted := sweeper.Sweep(); evicted > 0 {
			logger.Debug().Int("evicted", evicted).Msg("Session sweep")
		}
		return nil
	})
}

// RegisterCampaigns schedules every enabled campaign and returns how many
// were registered
func RegisterCampaigns(s interfaces.SchedulerService, starter SessionStarter, campaigns []common.CampaignConfig, logger arbor.ILogger) (int, error) {
	registered := 0
	for _, campaign := range campaigns {
		if !campaign.Enabled {
			logger.Debug().Str("campaign", campaign.Name).Msg("Campaign disabled, not scheduled")
			continue
		}
		name := "campaign:" + campaign.Name
		description := fmt.Sprintf("Start sessions for %d resources", len(campaign.Resources))
		if err := s.RegisterJob(name, campaign.Schedule, description, CampaignHandler(starter, campaign, logger)); err != nil {
			return registered, fmt.Errorf("campaign %s: %w", campaign.Name, err)
		}
		registered++
	}
	return registered, nil
}

// CampaignHandler starts one session per campaign resource. Resources that
// still have a live session are skipped.
func CampaignHandler(starter SessionStarter, campaign common.CampaignConfig, logger arbor.ILogger) interfaces.JobHandler {
	counts := make(map[models.BehaviorName]int, len(campaign.Behaviors))
	for name, count := range campaign.Behaviors {
		counts[models.BehaviorName(name)] = count
	}
	behaviors := models.BehaviorConfigFromCounts(counts)

	return func(ctx context.Context) error {
		var errs []error
		started := 0
		for _, resourceID := range campaign.Resources {
			session, err := starter.StartSession(ctx, sessions.StartRequest{
				ResourceID: resourceID,
				OwnerID:    campaign.OwnerID,
				Behaviors:  behaviors.Clone(),
			})
			switch {
			case errors.Is(err, sessions.ErrAlreadyRunning):
				logger.Info().
					Str("campaign", campaign.Name).
					Str("resource_id", resourceID).
					Msg("Session still running, campaign start skipped")
			case err != nil:
				errs = append(errs, fmt.Errorf("%s: %w", resourceID, err))
			default:
				started++
				logger.Debug().
					Str("campaign", campaign.Name).
					Str("resource_id", resourceID).
					Str("session_id", session.ID).
					Msg("Campaign session started")
			}
		}

		logger.Info().
			Str("campaign", campaign.Name).
			Int("started", started).
			Int("resources", len(campaign.Resources)).
			Msg("Campaign fired")
		return errors.Join(errs...)
	}
}
