package behaviors

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/automation"
	"github.com/ternarybob/autopilot/internal/common"
	"github.com/ternarybob/autopilot/internal/interfaces"
	"github.com/ternarybob/autopilot/internal/services/classifier"
	"github.com/ternarybob/autopilot/internal/storage/evidence"
)

// fakeHandle is a scripted AutomationHandle. Elements are keyed by the CSS
// of the selector that finds them.
type fakeHandle struct {
	mu sync.Mutex

	location    string
	navigateErr error
	navigations []string

	elements map[string][]interfaces.Element
	failRefs map[string]bool // every click strategy fails for these refs
	clicks   []string
	typed    []string

	token       string
	mutation    *postResult // nil makes the mutation request fail
	submitRef   string
	afterSubmit string // location after submitRef is clicked

	screenshots int
}

func newFakeHandle(location string) *fakeHandle {
	return &fakeHandle{
		location: location,
		elements: make(map[string][]interfaces.Element),
		failRefs: make(map[string]bool),
	}
}

func refs(prefix string, n int) []interfaces.Element {
	out := make([]interfaces.Element, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, interfaces.Element{Ref: prefix + "-" + string(rune('0'+i))})
	}
	return out
}

func (h *fakeHandle) Navigate(ctx context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.navigations = append(h.navigations, url)
	if h.navigateErr != nil {
		return h.navigateErr
	}
	h.location = url
	return nil
}

func (h *fakeHandle) Location(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.location, nil
}

func (h *fakeHandle) FindAll(ctx context.Context, sel interfaces.Selector) ([]interfaces.Element, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]interfaces.Element{}, h.elements[sel.CSS]...), nil
}

func (h *fakeHandle) click(ref string) bool {
	if h.failRefs[ref] {
		return false
	}
	h.clicks = append(h.clicks, ref)
	if ref == h.submitRef && h.afterSubmit != "" {
		h.location = h.afterSubmit
	}
	return true
}

func (h *fakeHandle) Click(ctx context.Context, el interfaces.Element) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.click(el.Ref) {
		return errors.New("node not clickable")
	}
	return nil
}

func (h *fakeHandle) Type(ctx context.Context, el interfaces.Element, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.typed = append(h.typed, text)
	return nil
}

func (h *fakeHandle) Evaluate(ctx context.Context, script string, args map[string]any, out any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var value any
	switch script {
	case automation.ScrollIntoViewScript:
		value = true
	case automation.DispatchClickScript, automation.InvokeClickScript:
		value = h.click(args["ref"].(string))
	case automation.ScrollByScript:
		value = 0
	case automation.ReadValueScript:
		value = h.token
	case automation.PostFormScript:
		if h.mutation == nil {
			return errors.New("fetch failed: network error")
		}
		value = h.mutation
	default:
		return errors.New("unexpected script")
	}

	if out == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (h *fakeHandle) Screenshot(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.screenshots++
	return []byte("png"), nil
}

func (h *fakeHandle) Wait(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func (h *fakeHandle) Close() error {
	return nil
}

// zeroPacer never sleeps
type zeroPacer struct{}

func (zeroPacer) DelayBetweenItems() time.Duration     { return 0 }
func (zeroPacer) DelayBetweenBehaviors() time.Duration { return 0 }
func (zeroPacer) ViewDwell() time.Duration             { return 0 }

type testEnv struct {
	*Env
	reports []int
}

func newTestEnv(h *fakeHandle) *testEnv {
	logger := arbor.NewLogger()
	te := &testEnv{}
	te.Env = &Env{
		Handle:     h,
		Pacer:      zeroPacer{},
		Classifier: classifier.New(logger),
		Evidence:   evidence.NewRecorder(evidence.NewMemStore(), h, "res/run"),
		Logger:     logger,
		Stop:       context.Background(),
		Report:     func(achieved int) { te.reports = append(te.reports, achieved) },
	}
	return te
}

func testTarget() common.TargetConfig {
	return common.NewDefaultConfig().Target
}
