package behaviors

import (
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/models"
)

// NewLikeContent likes posts in the home feed
func NewLikeContent(target common.TargetConfig) Behavior {
	return &listBehavior{
		name:     models.BehaviorLikeContent,
		target:   target,
		view:     target.LikeContent,
		activate: clickActivator,
	}
}
