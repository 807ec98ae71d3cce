package router

import (
	"net/http"
	"strings"
)

// LocalRoute mounts Handler at BasePath. A request matches when its path
// equals BasePath or continues with "/".
type LocalRoute struct {
	BasePath string
	Handler  http.Handler
}

func (l LocalRoute) matches(path string) bool {
	return path == l.BasePath || strings.HasPrefix(path, strings.TrimSuffix(l.BasePath, "/")+"/")
}

type localStage struct {
	routes []LocalRoute
}

// NewLocalStage returns the stage serving in-process paths.
func NewLocalStage(routes []LocalRoute) Stage {
	return &localStage{routes: append([]LocalRoute(nil), routes...)}
}

func (*localStage) Name() string { return "local" }

func (s *localStage) Match(r *http.Request) (RouteTarget, bool, error) {
	best := -1
	for i, route := range s.routes {
		if !route.matches(r.URL.Path) {
			continue
		}
		// Strictly longer only: the first declared route keeps a tie.
		if best < 0 || len(route.BasePath) > len(s.routes[best].BasePath) {
			best = i
		}
	}
	if best < 0 {
		return RouteTarget{}, false, nil
	}
	return RouteTarget{Kind: KindLocal, Handler: s.routes[best].Handler}, true, nil
}
