package behaviors

import (
	"context"

	"github.com/ternarybob/autopilot/internal/automation"
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
)

// NewViewContent scrolls through items and dwells on each one. An item
// counts as viewed once it was scrolled into view and the dwell elapsed.
func NewViewContent(target common.TargetConfig) Behavior {
	return &listBehavior{
		name:     models.BehaviorViewContent,
		target:   target,
		view:     target.ViewContent,
		activate: dwellActivator,
	}
}

func dwellActivator(env *Env, el interfaces.Element, sel interfaces.Selector, used map[string]bool) automation.Chain[string] {
	return automation.Chain[string]{
		automation.StrategyFunc[string]{
			Label: "dwell",
			Fn: func(ctx context.Context, h interfaces.AutomationHandle) (string, bool, error) {
				if err := scrollIntoView(ctx, h, el); err != nil {
					return "", false, err
				}
				if err := h.Wait(ctx, env.Pacer.ViewDwell()); err != nil {
					return "", false, err
				}
				return el.Ref, true, nil
			},
		},
	}
}
