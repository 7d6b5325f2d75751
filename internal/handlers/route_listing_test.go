package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteListingHandler_CollectRoutesSorted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	noop := func(_ *gin.Context) {}

	v1 := router.Group("/v1")
	{
		v1.POST("/sessions", noop)
		v1.GET("/sessions/:id", noop)
		v1.POST("/sessions/:id/answers", noop)
		v1.GET("/admin/items", noop)
		v1.PUT("/admin/items", noop)
	}
	router.GET("/debug/pprof", noop)

	handler := NewRouteListingHandler("Test Service")
	handler.CollectRoutes(router)

	assert.Equal(t, []RouteInfo{
		{Path: "/v1/admin/items", Methods: []string{"GET", "PUT"}},
		{Path: "/v1/sessions", Methods: []string{"POST"}},
		{Path: "/v1/sessions/:id", Methods: []string{"GET"}},
		{Path: "/v1/sessions/:id/answers", Methods: []string{"POST"}},
	}, handler.routes)
}

func TestRouteListingHandler_CollectRoutesResets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewRouteListingHandler("Empty Service")
	handler.CollectRoutes(gin.New())
	assert.Empty(t, handler.routes)

	router := gin.New()
	router.GET("/health", func(_ *gin.Context) {})
	handler.CollectRoutes(router)
	handler.CollectRoutes(router)
	assert.Len(t, handler.routes, 1)
}

func TestRouteListingHandler_GetRouteListingJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", func(_ *gin.Context) {})
	router.POST("/v1/sessions", func(_ *gin.Context) {})

	handler := NewRouteListingHandler("Format Test Service")
	handler.CollectRoutes(router)
	router.GET("/", handler.GetRouteListingJSON)

	req, _ := http.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	var body struct {
		Service string      `json:"service"`
		Routes  []RouteInfo `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Format Test Service", body.Service)
	assert.Equal(t, []RouteInfo{
		{Path: "/health", Methods: []string{"GET"}},
		{Path: "/v1/sessions", Methods: []string{"POST"}},
	}, body.Routes)
}
