// Package paging holds the page envelope shared by listing endpoints.
package paging

// Page is one page of a listing.
type Page[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	TotalCount int `json:"totalCount"`
	TotalPages int `json:"totalPages"`
}

// New builds the paging envelope for total matching rows. Nil items encode
// as an empty array.
func New[T any](items []T, page, size, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if size > 0 {
		pages = (total + size - 1) / size
	}
	return Page[T]{Items: items, Page: page, PageSize: size, TotalCount: total, TotalPages: pages}
}

// Normalize forces page >= 1 and size into [1, max], using def when size is
// not positive.
func Normalize(page, size, def, max int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = def
	}
	if size > max {
		size = max
	}
	return page, size
}

// Offset returns the row offset of page.
func Offset(page, size int) int {
	return (page - 1) * size
}
