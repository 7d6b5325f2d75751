package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// PageRequest is a validated ?page=&page_size= pair. Pages start at 1.
type PageRequest struct {
	Page     int
	PageSize int
}

// Offset is the number of rows skipped before this page
func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Pagination is the block returned next to paged collections
type Pagination struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	Count    int  `json:"count"`
	HasMore  bool `json:"has_more"`
}

// ParsePagination reads page and page_size, replacing missing or non-positive
// values with the defaults and capping page_size at maxSize.
func ParsePagination(c *gin.Context, defaultSize, maxSize int) PageRequest {
	req := PageRequest{
		Page:     positiveQueryInt(c, "page", 1),
		PageSize: positiveQueryInt(c, "page_size", defaultSize),
	}
	req.PageSize = min(req.PageSize, maxSize)
	return req
}

func positiveQueryInt(c *gin.Context, key string, fallback int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// ParseFilters collects the named query params that are present and not blank
func ParseFilters(c *gin.Context, keys ...string) map[string]string {
	filters := map[string]string{}
	for _, key := range keys {
		val := strings.TrimSpace(c.Query(key))
		if val == "" {
			continue
		}
		filters[key] = val
	}
	return filters
}

// WritePaginated responds 200 with items under itemsKey next to the pagination
// block. A full page sets has_more since another page may follow.
func WritePaginated(c *gin.Context, itemsKey string, items any, count int, req PageRequest, extra gin.H) {
	response := gin.H{
		itemsKey: items,
		"pagination": Pagination{
			Page:     req.Page,
			PageSize: req.PageSize,
			Count:    count,
			HasMore:  count == req.PageSize,
		},
	}
	for k, v := range extra {
		response[k] = v
	}
	c.JSON(http.StatusOK, response)
}
