package utils

import (
	"net/http"
	"strconv"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Page struct {
	Page     int
	PageSize int
}

func (p Page) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// ParsePage reads page and page_size (or limit) from the query string.
func ParsePage(r *http.Request) Page {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if size == 0 {
		size, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return Page{Page: page, PageSize: size}
}

// Paginated builds the list envelope used by every listing endpoint.
func Paginated(key string, items interface{}, total int64, p Page) map[string]interface{} {
	return map[string]interface{}{
		key:           items,
		"total":       total,
		"page":        p.Page,
		"page_size":   p.PageSize,
		"total_pages": (total + int64(p.PageSize) - 1) / int64(p.PageSize),
	}
}
