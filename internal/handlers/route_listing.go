package handlers

import (
	"net/http"
	"slices"
	"strings"

	"icfesprep/internal/observability"

	"github.com/gin-gonic/gin"
)

// RouteInfo is one path and every method served on it
type RouteInfo struct {
	Path    string   `json:"path"`
	Methods []string `json:"methods"`
}

// RouteListingHandler serves the route table of a gin engine at "/"
type RouteListingHandler struct {
	serviceName string
	routes      []RouteInfo
}

func NewRouteListingHandler(serviceName string) *RouteListingHandler {
	return &RouteListingHandler{serviceName: serviceName}
}

// CollectRoutes replaces the listing with the engine's current routes.
// /debug/ paths are left out.
func (h *RouteListingHandler) CollectRoutes(engine *gin.Engine) {
	byPath := map[string][]string{}
	for _, route := range engine.Routes() {
		if strings.HasPrefix(route.Path, "/debug/") {
			continue
		}
		byPath[route.Path] = append(byPath[route.Path], route.Method)
	}

	h.routes = make([]RouteInfo, 0, len(byPath))
	for path, methods := range byPath {
		slices.Sort(methods)
		h.routes = append(h.routes, RouteInfo{Path: path, Methods: methods})
	}
	slices.SortFunc(h.routes, func(a, b RouteInfo) int { return strings.Compare(a.Path, b.Path) })
}

// GetRouteListingJSON handles GET /
func (h *RouteListingHandler) GetRouteListingJSON(c *gin.Context) {
	_, span := observability.TraceHandlerFunction(c.Request.Context(), "get_route_listing_json")
	defer observability.FinishSpan(span, nil)
	c.JSON(http.StatusOK, gin.H{
		"service": h.serviceName,
		"routes":  h.routes,
	})
}
