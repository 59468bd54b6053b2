package behaviors

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/autopilot/internal/automation"
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/classifier"
)

// ErrLoggedOut is raised when the target shows its login form
var ErrLoggedOut = errors.New("target does not recognise the session as logged in")

// CheckAuthenticated opens the target home view and looks for the login
// form. It returns nil when the profile is logged in, otherwise a fatal
// NAVIGATION_ERROR or AUTHENTICATION_ERROR record.
func CheckAuthenticated(ctx context.Context, env *Env, target common.TargetConfig) *models.ErrorRecord {
	location, err := env.Handle.Location(ctx)
	if err != nil || !onTarget(location, target.BaseURL) {
		if err := env.Handle.Navigate(ctx, target.URL(target.HomePath)); err != nil {
			return env.Classifier.Classify(ctx, classifier.StageNavigate, fmt.Errorf("open home view: %w", err), env.Evidence)
		}
	}

	if len(target.LoginSelectors) == 0 {
		return nil
	}

	login := automation.SelectorChain(target.LoginSelectors).Walk(ctx, env.Handle)
	if login.Matched {
		return env.Classifier.Classify(ctx, classifier.StageAuthCheck, fmt.Errorf("%w (matched %s)", ErrLoggedOut, login.Strategy), env.Evidence)
	}
	return nil
}
