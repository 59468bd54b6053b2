package behaviors

import (
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/models"
)

// NewJoinGroups clicks "join" on groups in the discovery feed
func NewJoinGroups(target common.TargetConfig) Behavior {
	return &listBehavior{
		name:     models.BehaviorJoinGroups,
		target:   target,
		view:     target.JoinGroups,
		activate: clickActivator,
	}
}
