// -----------------------------------------------------------------------
// ChromeDP Handle - AutomationHandle over a devtools connection
// -----------------------------------------------------------------------

package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/interfaces"
)

// HandleOptions configures a ChromeHandle
type HandleOptions struct {
	OperationTimeout time.Duration // Applied to every handle operation
	Logger           arbor.ILogger
}

// LocalOptions configures a locally launched browser
type LocalOptions struct {
	HandleOptions
	UserDataDir string
	Headless    bool
	Flags       []string // "name=value" or "name"
}

// ChromeHandle implements interfaces.AutomationHandle with chromedp
type ChromeHandle struct {
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	timeout       time.Duration
	logger        arbor.ILogger
}

var _ interfaces.AutomationHandle = (*ChromeHandle)(nil)

// NewRemoteHandle attaches to an already running browser through its
// devtools websocket URL (the anti-detect browser profile)
func NewRemoteHandle(ctx context.Context, wsURL string, opts HandleOptions) (*ChromeHandle, error) {
	if wsURL == "" {
		return nil, fmt.Errorf("devtools websocket url is empty")
	}
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), wsURL)
	return attach(ctx, allocCtx, allocCancel, opts)
}

// NewLocalHandle launches a browser process with a persistent user data dir
func NewLocalHandle(ctx context.Context, opts LocalOptions) (*ChromeHandle, error) {
	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
	)
	if opts.UserDataDir != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserDataDir(opts.UserDataDir))
	}
	for _, flag := range opts.Flags {
		name, value, hasValue := strings.Cut(flag, "=")
		if hasValue {
			allocatorOpts = append(allocatorOpts, chromedp.Flag(name, value))
		} else {
			allocatorOpts = append(allocatorOpts, chromedp.Flag(name, true))
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	return attach(ctx, allocCtx, allocCancel, opts.HandleOptions)
}

func attach(ctx context.Context, allocCtx context.Context, allocCancel context.CancelFunc, opts HandleOptions) (*ChromeHandle, error) {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 45 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = arbor.NewLogger()
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	h := &ChromeHandle{
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		timeout:       opts.OperationTimeout,
		logger:        opts.Logger,
	}

	// First Run connects to (or starts) the browser and opens the tab
	startTime := time.Now()
	if err := h.run(ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	h.logger.Debug().
		Dur("connect_time", time.Since(startTime)).
		Msg("Browser handle attached")

	return h, nil
}

// run executes actions on the tab under the operation timeout. ctx only
// bounds the wait; cancelling it does not close the tab.
func (h *ChromeHandle) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(h.browserCtx, h.timeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(opCtx, actions...)
}

func (h *ChromeHandle) Navigate(ctx context.Context, url string) error {
	if err := h.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (h *ChromeHandle) Location(ctx context.Context) (string, error) {
	var location string
	if err := h.run(ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return location, nil
}

func (h *ChromeHandle) FindAll(ctx context.Context, sel interfaces.Selector) ([]interfaces.Element, error) {
	args := map[string]any{
		"css":  sel.CSS,
		"text": nonNil(sel.Text),
		"aria": nonNil(sel.AriaLabel),
	}

	var elements []interfaces.Element
	if err := h.Evaluate(ctx, FindAllScript, args, &elements); err != nil {
		return nil, fmt.Errorf("find %q: %w", sel.CSS, err)
	}
	if elements == nil {
		elements = []interfaces.Element{}
	}
	return elements, nil
}

func (h *ChromeHandle) Click(ctx context.Context, el interfaces.Element) error {
	if err := h.run(ctx, chromedp.Click(el.Ref, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", el.Ref, err)
	}
	return nil
}

func (h *ChromeHandle) Type(ctx context.Context, el interfaces.Element, text string) error {
	err := h.run(ctx,
		chromedp.Focus(el.Ref, chromedp.ByQuery),
		chromedp.SendKeys(el.Ref, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type into %s: %w", el.Ref, err)
	}
	return nil
}

func (h *ChromeHandle) Evaluate(ctx context.Context, script string, args map[string]any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode script args: %w", err)
	}

	expression := "(" + script + ")(" + string(encoded) + ")"
	var raw []byte
	err = h.run(ctx, chromedp.Evaluate(expression, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode script result: %w", err)
	}
	return nil
}

func (h *ChromeHandle) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := h.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return buf, nil
}

func (h *ChromeHandle) Wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close cancels the tab and allocator contexts. For a remote allocator this
// drops the connection only; the profile is stopped by the provisioner.
func (h *ChromeHandle) Close() error {
	if h.browserCancel != nil {
		h.browserCancel()
	}
	if h.allocCancel != nil {
		h.allocCancel()
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
