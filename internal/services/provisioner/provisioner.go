package provisioner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/automation"
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
)

// profileAPI is the part of Client the remote provisioner needs
type profileAPI interface {
	StartProfile(ctx context.Context, resourceID string) (string, error)
	StopProfile(ctx context.Context, resourceID string) error
}

// attachFunc connects to a running browser; replaced in tests
type attachFunc func(ctx context.Context, wsURL string, opts automation.HandleOptions) (interfaces.AutomationHandle, error)

func attachChrome(ctx context.Context, wsURL string, opts automation.HandleOptions) (interfaces.AutomationHandle, error) {
	return automation.NewRemoteHandle(ctx, wsURL, opts)
}

// Remote opens profiles through the profile API and attaches over devtools
type Remote struct {
	api     profileAPI
	attach  attachFunc
	options automation.HandleOptions
	logger  arbor.ILogger
}

var _ interfaces.Provisioner = (*Remote)(nil)

// NewRemote creates a remote provisioner
func NewRemote(api profileAPI, options automation.HandleOptions, logger arbor.ILogger) *Remote {
	return &Remote{api: api, attach: attachChrome, options: options, logger: logger}
}

// Acquire starts the profile and attaches to it. The profile is stopped
// again when the attach fails.
func (p *Remote) Acquire(ctx context.Context, resourceID string) (interfaces.AutomationHandle, error) {
	start := time.Now()
	wsURL, err := p.api.StartProfile(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	handle, err := p.attach(ctx, wsURL, p.options)
	if err != nil {
		if stopErr := p.api.StopProfile(context.WithoutCancel(ctx), resourceID); stopErr != nil {
			p.logger.Warn().Err(stopErr).Str("resource_id", resourceID).Msg("Failed to stop profile after attach failure")
		}
		return nil, fmt.Errorf("failed to attach to profile %s: %w", resourceID, err)
	}

	p.logger.Debug().
		Str("resource_id", resourceID).
		Dur("elapsed", time.Since(start)).
		Msg("Profile attached")
	return handle, nil
}

// Release closes the handle and stops the profile
func (p *Remote) Release(ctx context.Context, resourceID string, handle interfaces.AutomationHandle) error {
	var closeErr error
	if handle != nil {
		closeErr = handle.Close()
	}
	return errors.Join(closeErr, p.api.StopProfile(ctx, resourceID))
}

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Local launches a browser per resource with a persistent user data dir
type Local struct {
	root     string
	headless bool
	flags    []string
	options  automation.HandleOptions
}

var _ interfaces.Provisioner = (*Local)(nil)

// NewLocal creates a local provisioner rooted at userDataRoot
func NewLocal(userDataRoot string, headless bool, flags []string, options automation.HandleOptions) *Local {
	return &Local{root: userDataRoot, headless: headless, flags: flags, options: options}
}

// ProfileDir returns the user data dir used for resourceID
func (p *Local) ProfileDir(resourceID string) string {
	return filepath.Join(p.root, unsafeDirChars.ReplaceAllString(resourceID, "_"))
}

// Acquire launches the browser for resourceID
func (p *Local) Acquire(ctx context.Context, resourceID string) (interfaces.AutomationHandle, error) {
	handle, err := automation.NewLocalHandle(ctx, automation.LocalOptions{
		HandleOptions: p.options,
		UserDataDir:   p.ProfileDir(resourceID),
		Headless:      p.headless,
		Flags:         p.flags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser for %s: %w", resourceID, err)
	}
	return handle, nil
}

// Release closes the browser
func (p *Local) Release(ctx context.Context, resourceID string, handle interfaces.AutomationHandle) error {
	if handle == nil {
		return nil
	}
	return handle.Close()
}

// New builds the provisioner selected by config
func New(config *common.Config, logger arbor.ILogger) (interfaces.Provisioner, error) {
	options := automation.HandleOptions{
		OperationTimeout: common.MustDuration(config.Execution.OperationTimeout, 30*time.Second),
		Logger:           logger,
	}
	pc := config.Provisioner

	switch pc.Type {
	case "local":
		return NewLocal(pc.UserDataDir, pc.Headless, pc.ChromeFlags, options), nil
	case "remote", "":
		if pc.BaseURL == "" {
			return nil, errors.New("provisioner.base_url is required for the remote provisioner")
		}
		client := NewClient(pc.BaseURL,
			WithAPIKey(pc.APIKey),
			WithPaths(pc.StartPath, pc.StopPath),
			WithResponsePaths(pc.SuccessPath, pc.SuccessValue, pc.WSPath, pc.MessagePath),
			WithRateLimit(pc.RateLimit),
			WithLogger(logger),
			WithHTTPClient(&http.Client{Timeout: common.MustDuration(pc.RequestTimeout, DefaultTimeout)}),
		)
		return NewRemote(client, options, logger), nil
	default:
		return nil, fmt.Errorf("unknown provisioner type %q", pc.Type)
	}
}
