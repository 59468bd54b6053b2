package behaviors

import (
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/models"
)

// NewAddFriends sends requests from the friend suggestions view
func NewAddFriends(target common.TargetConfig) Behavior {
	return &listBehavior{
		name:     models.BehaviorAddFriends,
		target:   target,
		view:     target.AddFriends,
		activate: clickActivator,
	}
}
