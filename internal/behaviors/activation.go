package behaviors

import (
	"context"
	"fmt"

	"github.com/ternarybob/autopilot/internal/automation"
	"github.com/ternarybob/autopilot/internal/interfaces"
)

// Activation strategy names, in chain order
const (
	StrategyDispatchEvents = "dispatch_events"
	StrategyInvokeClick    = "invoke_click"
	StrategyNativeClick    = "native_click"
	StrategyFreshMatch     = "fresh_match"
)

// refScript runs a page script that returns true when it acted on ref
func refScript(label, script string, el interfaces.Element) automation.Strategy[string] {
	return automation.StrategyFunc[string]{
		Label: label,
		Fn: func(ctx context.Context, h interfaces.AutomationHandle) (string, bool, error) {
			var acted bool
			if err := h.Evaluate(ctx, script, map[string]any{"ref": el.Ref}, &acted); err != nil {
				return "", false, err
			}
			if !acted {
				return "", false, fmt.Errorf("element %s is no longer attached", el.Ref)
			}
			return el.Ref, true, nil
		},
	}
}

// activationChain clicks el: synthetic events, then el.click(), then a
// native input click, then a freshly visible match of sel that has not
// been activated yet
func activationChain(el interfaces.Element, sel interfaces.Selector, used map[string]bool) automation.Chain[string] {
	return automation.Chain[string]{
		refScript(StrategyDispatchEvents, automation.DispatchClickScript, el),
		refScript(StrategyInvokeClick, automation.InvokeClickScript, el),
		automation.StrategyFunc[string]{
			Label: StrategyNativeClick,
			Fn: func(ctx context.Context, h interfaces.AutomationHandle) (string, bool, error) {
				if err := h.Click(ctx, el); err != nil {
					return "", false, err
				}
				return el.Ref, true, nil
			},
		},
		automation.StrategyFunc[string]{
			Label: StrategyFreshMatch,
			Fn: func(ctx context.Context, h interfaces.AutomationHandle) (string, bool, error) {
				fresh, err := h.FindAll(ctx, sel)
				if err != nil {
					return "", false, err
				}
				for _, candidate := range fresh {
					if used[candidate.Ref] || candidate.Ref == el.Ref {
						continue
					}
					if err := h.Click(ctx, candidate); err != nil {
						return "", false, err
					}
					return candidate.Ref, true, nil
				}
				return "", false, nil
			},
		},
	}
}

// scrollIntoView centres el; a false result means the element detached
func scrollIntoView(ctx context.Context, h interfaces.AutomationHandle, el interfaces.Element) error {
	var present bool
	if err := h.Evaluate(ctx, automation.ScrollIntoViewScript, map[string]any{"ref": el.Ref}, &present); err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("element %s is no longer attached", el.Ref)
	}
	return nil
}

// scrollBy scrolls the page to surface lazily loaded content
func scrollBy(ctx context.Context, h interfaces.AutomationHandle, distance int) error {
	if distance <= 0 {
		distance = 800
	}
	var position float64
	return h.Evaluate(ctx, automation.ScrollByScript, map[string]any{"distance": distance}, &position)
}
