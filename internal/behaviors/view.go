package behaviors

import (
	"context"
	"net/url"
	"strings"

	"github.com/ternarybob/autopilot/internal/common"
)

// ensureView navigates to path unless the handle already sits on one of the
// accepted paths of the target site
func ensureView(ctx context.Context, env *Env, target common.TargetConfig, path string, accept []string) (navigated bool, err error) {
	location, err := env.Handle.Location(ctx)
	if err == nil && onAcceptedPath(location, target.BaseURL, accept) {
		return false, nil
	}

	if err := env.Handle.Navigate(ctx, target.URL(path)); err != nil {
		return true, err
	}
	return true, nil
}

// onTarget reports whether location belongs to the target site
func onTarget(location, baseURL string) bool {
	u, err := url.Parse(location)
	if err != nil || u.Host == "" {
		return false
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return true
	}
	return strings.EqualFold(u.Host, base.Host)
}

func onAcceptedPath(location, baseURL string, accept []string) bool {
	if !onTarget(location, baseURL) {
		return false
	}
	u, _ := url.Parse(location)

	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, a := range accept {
		if before, query, hasQuery := strings.Cut(a, "?"); hasQuery {
			if path == before && u.RawQuery == query {
				return true
			}
			continue
		}
		if path == a {
			return true
		}
		if a != "/" && strings.HasPrefix(path, strings.TrimSuffix(a, "/")+"/") {
			return true
		}
	}
	return false
}

// hasPathPrefix reports whether location's path starts with prefix
func hasPathPrefix(location, prefix string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, prefix)
}

func samePath(location, path string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	return strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(path, "/")
}
