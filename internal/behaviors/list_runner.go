package behaviors

import (
	"context"
	"fmt"

	"github.com/ternarybob/autopilot/internal/automation"
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/classifier"
)

// activator builds the activation chain for one element
type activator func(env *Env, el interfaces.Element, sel interfaces.Selector, used map[string]bool) automation.Chain[string]

func clickActivator(env *Env, el interfaces.Element, sel interfaces.Selector, used map[string]bool) automation.Chain[string] {
	return activationChain(el, sel, used)
}

// listBehavior is the shared shape of the list-driven modules: open a view,
// find actionable elements, activate up to count of them
type listBehavior struct {
	name     models.BehaviorName
	target   common.TargetConfig
	view     common.BehaviorTargetConfig
	activate activator
}

func (b *listBehavior) Name() models.BehaviorName {
	return b.name
}

func (b *listBehavior) Run(ctx context.Context, env *Env, count int) *models.BehaviorResult {
	result := models.NewBehaviorResult(b.name, count)
	logger := env.Logger

	env.capture(ctx, result, "entry")
	defer env.capture(ctx, result, "exit")

	navigated, err := ensureView(ctx, env, b.target, b.view.Path, b.view.AcceptPaths)
	if err != nil {
		env.fail(ctx, result, classifier.StageNavigate, fmt.Errorf("could not open %s: %w", b.view.Path, err))
		return result
	}
	if navigated {
		logger.Debug().Str("behavior", string(b.name)).Str("path", b.view.Path).Msg("Navigated to behavior view")
	}

	found := automation.SelectorChain(b.view.Selectors).Walk(ctx, env.Handle)
	if !found.Matched {
		env.warn(ctx, result, classifier.StageFindButtons, fmt.Errorf("no actionable elements found: %w", found.Err()))
		return result
	}

	sel := b.selector(found.Strategy)
	elements := found.Value
	limit := min(len(elements), count)

	logger.Info().
		Str("behavior", string(b.name)).
		Str("selector", found.Strategy).
		Int("found", len(elements)).
		Int("requested", count).
		Msg("Actionable elements located")

	used := make(map[string]bool, limit)
	for i := 0; i < limit; i++ {
		if env.Stopped() {
			logger.Info().Str("behavior", string(b.name)).Int("achieved", result.AchievedCount).Msg("Stop requested, leaving element loop")
			break
		}

		el := elements[i]
		if used[el.Ref] {
			// Already activated as a fresh match of an earlier element
			continue
		}
		if err := scrollIntoView(ctx, env.Handle, el); err != nil {
			result.AddError(classifier.StageScroll, err.Error())
		}

		activated := b.activate(env, el, sel, used).Walk(ctx, env.Handle)
		if !activated.Matched {
			env.warn(ctx, result, classifier.StageActivate, fmt.Errorf("element %d of %d: %w", i+1, limit, activated.Err()))
			continue
		}
		used[activated.Value] = true

		result.AchievedCount++
		env.report(result.AchievedCount)

		logger.Debug().
			Str("behavior", string(b.name)).
			Str("strategy", activated.Strategy).
			Int("achieved", result.AchievedCount).
			Msg("Element activated")

		if b.view.ScrollEvery > 0 && result.AchievedCount%b.view.ScrollEvery == 0 {
			if err := scrollBy(ctx, env.Handle, b.view.ScrollDistance); err != nil {
				result.AddError(classifier.StageScroll, err.Error())
			}
		}

		env.Pause(env.Pacer.DelayBetweenItems())
	}

	return result
}

func (b *listBehavior) selector(name string) interfaces.Selector {
	for _, sel := range b.view.Selectors {
		if sel.Name == name || sel.CSS == name {
			return sel
		}
	}
	return interfaces.Selector{}
}
