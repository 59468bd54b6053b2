package provisioner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autopilot/internal/automation"
	"github.com/ternarybob/autopilot/internal/interfaces"
)

func newProfileServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestClient_StartProfile(t *testing.T) {
	var gotUser, gotAuth string
	server := newProfileServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/browser/start", r.URL.Path)
		gotUser = r.URL.Query().Get("user_id")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"code":0,"msg":"success","data":{"ws":{"puppeteer":"ws://127.0.0.1:9222/devtools/browser/abc"}}}`))
	})

	client := NewClient(server.URL, WithAPIKey("secret"), WithRateLimit(100))
	wsURL, err := client.StartProfile(context.Background(), "profile-a")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", wsURL)
	assert.Equal(t, "profile-a", gotUser)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestClient_StartProfileFailureMessage(t *testing.T) {
	server := newProfileServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":-1,"msg":"user_id is not exists"}`))
	})

	_, err := NewClient(server.URL, WithRateLimit(100)).StartProfile(context.Background(), "missing")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "user_id is not exists", apiErr.Message)
}

func TestClient_HTTPStatusAndMissingWebsocket(t *testing.T) {
	server := newProfileServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("user_id") == "down" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"data":{}}`))
	})
	client := NewClient(server.URL, WithRateLimit(100))

	_, err := client.StartProfile(context.Background(), "down")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)

	_, err = client.StartProfile(context.Background(), "nows")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no websocket url")
}

func TestClient_CustomResponsePaths(t *testing.T) {
	server := newProfileServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/open", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","result":{"endpoint":"ws://x"}}`))
	})

	client := NewClient(server.URL,
		WithPaths("/open", "/close"),
		WithResponsePaths("status", "ok", "result.endpoint", "error"),
		WithRateLimit(100),
	)
	wsURL, err := client.StartProfile(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ws://x", wsURL)
}

type fakeAPI struct {
	mu      sync.Mutex
	started []string
	stopped []string
	err     error
}

func (f *fakeAPI) StartProfile(ctx context.Context, resourceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, resourceID)
	return "ws://fake/" + resourceID, nil
}

func (f *fakeAPI) StopProfile(ctx context.Context, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, resourceID)
	return nil
}

type closeHandle struct {
	interfaces.AutomationHandle
	closed bool
}

func (h *closeHandle) Close() error {
	h.closed = true
	return nil
}

func TestRemote_AcquireAndRelease(t *testing.T) {
	api := &fakeAPI{}
	p := NewRemote(api, automation.HandleOptions{}, arbor.NewLogger())
	handle := &closeHandle{}
	var attachedTo string
	p.attach = func(ctx context.Context, wsURL string, opts automation.HandleOptions) (interfaces.AutomationHandle, error) {
		attachedTo = wsURL
		return handle, nil
	}

	h, err := p.Acquire(context.Background(), "profile-a")
	require.NoError(t, err)
	assert.Equal(t, "ws://fake/profile-a", attachedTo)

	require.NoError(t, p.Release(context.Background(), "profile-a", h))
	assert.True(t, handle.closed)
	assert.Equal(t, []string{"profile-a"}, api.stopped)
}

func TestRemote_AttachFailureStopsProfile(t *testing.T) {
	api := &fakeAPI{}
	p := NewRemote(api, automation.HandleOptions{}, arbor.NewLogger())
	p.attach = func(ctx context.Context, wsURL string, opts automation.HandleOptions) (interfaces.AutomationHandle, error) {
		return nil, errors.New("websocket refused")
	}

	_, err := p.Acquire(context.Background(), "profile-a")
	require.Error(t, err)
	assert.Equal(t, []string{"profile-a"}, api.stopped)
}

func TestRemote_StartFailure(t *testing.T) {
	api := &fakeAPI{err: errors.New("profile api offline")}
	p := NewRemote(api, automation.HandleOptions{}, arbor.NewLogger())

	_, err := p.Acquire(context.Background(), "profile-a")
	require.Error(t, err)
	assert.Empty(t, api.stopped)
}

func TestLocal_ProfileDir(t *testing.T) {
	p := NewLocal("/data/profiles", true, nil, automation.HandleOptions{})
	assert.Equal(t, filepath.Join("/data/profiles", "acct_1_.._x"), p.ProfileDir("acct/1/../x"))
}
