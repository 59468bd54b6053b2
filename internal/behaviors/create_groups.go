package behaviors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/ternarybob/autopilot/internal/automation"
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/models"
	"github.com/ternarybob/autopilot/internal/services/classifier"
)

// Errors returned by the mutation path
var (
	ErrMutationDisabled = errors.New("mutation path disabled")
	ErrNoRequestToken   = errors.New("request token not found on page")
	ErrUnrecognized     = errors.New("unrecognized mutation response shape")
)

// createGroups creates groups by direct request first, then through the UI
type createGroups struct {
	target common.TargetConfig
	cfg    common.CreateGroupsConfig
}

// NewCreateGroups builds the create_groups module
func NewCreateGroups(target common.TargetConfig) Behavior {
	return &createGroups{target: target, cfg: target.CreateGroups}
}

func (b *createGroups) Name() models.BehaviorName {
	return models.BehaviorCreateGroups
}

// postResult is the decoded return value of PostFormScript
type postResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

func (b *createGroups) Run(ctx context.Context, env *Env, count int) *models.BehaviorResult {
	result := models.NewBehaviorResult(models.BehaviorCreateGroups, count)
	logger := env.Logger

	env.capture(ctx, result, "entry")
	defer env.capture(ctx, result, "exit")

	for n := 1; n <= count; n++ {
		if n > 1 {
			env.Pause(env.Pacer.DelayBetweenBehaviors())
		}
		if env.Stopped() {
			logger.Info().Int("created", result.AchievedCount).Msg("Stop requested, leaving group creation")
			break
		}

		name := b.groupName(n)

		groupID, mutationErr := b.mutate(ctx, env, name)
		if mutationErr == nil {
			result.AchievedCount++
			env.report(result.AchievedCount)
			logger.Info().Str("group", name).Str("group_id", groupID).Str("path", "mutation").Msg("Group created")
			continue
		}

		if !errors.Is(mutationErr, ErrMutationDisabled) {
			env.warn(ctx, result, classifier.StageMutation, mutationErr)
			logger.Warn().Err(mutationErr).Str("group", name).Msg("Mutation path failed, falling back to UI")
		}

		uiErr := b.createThroughUI(ctx, env, name)
		if uiErr == nil {
			result.AchievedCount++
			env.report(result.AchievedCount)
			// Fallback recovered this group; the mutation failure stays in Errors only
			result.ClearError()
			logger.Info().Str("group", name).Str("path", "ui").Msg("Group created")
			continue
		}

		result.AddError(classifier.StageUIFallback, uiErr.Error())
		exhausted := classifier.Force(
			models.ErrorTypeGroupCreation,
			classifier.StageGroupCreation,
			fmt.Errorf("group %q: mutation: %v; ui: %w", name, mutationErr, uiErr),
		)
		env.fail(ctx, result, classifier.StageGroupCreation, exhausted)
		break
	}

	return result
}

func (b *createGroups) groupName(n int) string {
	templates := b.cfg.NameTemplates
	if len(templates) == 0 {
		templates = []string{"Group {n}"}
	}
	template := templates[(n-1)%len(templates)]
	return strings.ReplaceAll(template, "{n}", strconv.Itoa(n))
}

// mutate submits the create request from the page's own origin and returns
// the new group id
func (b *createGroups) mutate(ctx context.Context, env *Env, name string) (string, error) {
	if !b.cfg.MutationEnabled || b.cfg.MutationURL == "" {
		return "", ErrMutationDisabled
	}

	location, err := env.Handle.Location(ctx)
	if err != nil || !onTarget(location, b.target.BaseURL) {
		if err := env.Handle.Navigate(ctx, b.target.URL(b.target.HomePath)); err != nil {
			return "", fmt.Errorf("open target origin: %w", err)
		}
	}

	var token string
	if err := env.Handle.Evaluate(ctx, automation.ReadValueScript, map[string]any{"css": b.cfg.TokenSelector}, &token); err != nil {
		return "", fmt.Errorf("read request token: %w", err)
	}
	if token == "" {
		return "", ErrNoRequestToken
	}

	variables, err := json.Marshal(map[string]any{
		"input": map[string]any{
			"name":               name,
			"privacy":            b.cfg.Privacy,
			"client_mutation_id": uuid.NewString(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode variables: %w", err)
	}

	tokenField := b.cfg.TokenField
	if tokenField == "" {
		tokenField = "token"
	}
	form := map[string]any{
		tokenField:  token,
		"doc_id":    b.cfg.MutationDocID,
		"variables": string(variables),
	}

	var res postResult
	if err := env.Handle.Evaluate(ctx, automation.PostFormScript, map[string]any{"url": b.target.URL(b.cfg.MutationURL), "form": form}, &res); err != nil {
		return "", fmt.Errorf("submit mutation: %w", err)
	}
	return parseMutationResponse(res, b.cfg.ResponseIDPath)
}

// parseMutationResponse extracts the created id or explains why it could not
func parseMutationResponse(res postResult, idPath string) (string, error) {
	if res.Status < 200 || res.Status >= 300 {
		return "", fmt.Errorf("mutation returned HTTP %d", res.Status)
	}

	body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(res.Body), "for (;;);"))
	if line, _, found := strings.Cut(body, "\n"); found {
		body = line
	}
	if !gjson.Valid(body) {
		return "", fmt.Errorf("%w: body is not JSON", ErrUnrecognized)
	}

	if id := gjson.Get(body, idPath); id.Exists() && id.String() != "" {
		return id.String(), nil
	}
	if msg := gjson.Get(body, "errors.0.message"); msg.Exists() {
		return "", fmt.Errorf("mutation rejected: %s", msg.String())
	}
	return "", fmt.Errorf("%w: %s missing", ErrUnrecognized, idPath)
}

// createThroughUI fills the name field on the create view and submits it
func (b *createGroups) createThroughUI(ctx context.Context, env *Env, name string) error {
	if _, err := ensureView(ctx, env, b.target, b.cfg.Path, b.cfg.AcceptPaths); err != nil {
		return fmt.Errorf("open create view: %w", err)
	}

	inputs := automation.SelectorChain(b.cfg.NameInputs).Walk(ctx, env.Handle)
	if !inputs.Matched {
		return fmt.Errorf("name input: %w", inputs.Err())
	}
	if err := env.Handle.Type(ctx, inputs.Value[0], name); err != nil {
		return fmt.Errorf("type group name: %w", err)
	}

	env.Pause(env.Pacer.DelayBetweenItems())

	buttons := automation.SelectorChain(b.cfg.SubmitButtons).Walk(ctx, env.Handle)
	if !buttons.Matched {
		return fmt.Errorf("submit button: %w", buttons.Err())
	}
	sel := b.cfg.SubmitButtons[0]
	for _, candidate := range b.cfg.SubmitButtons {
		if candidate.Name == buttons.Strategy || candidate.CSS == buttons.Strategy {
			sel = candidate
		}
	}
	if submitted := activationChain(buttons.Value[0], sel, map[string]bool{}).Walk(ctx, env.Handle); !submitted.Matched {
		return fmt.Errorf("submit: %w", submitted.Err())
	}

	if err := env.Handle.Wait(ctx, common.MustDuration(b.cfg.SubmitWait, 5*time.Second)); err != nil {
		return err
	}

	location, err := env.Handle.Location(ctx)
	if err != nil {
		return fmt.Errorf("read location after submit: %w", err)
	}
	if !hasPathPrefix(location, b.cfg.SuccessURLPrefix) || samePath(location, b.cfg.Path) {
		return fmt.Errorf("still on %s after submit", location)
	}
	return nil
}
