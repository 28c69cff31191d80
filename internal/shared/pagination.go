package shared

import "math"

const (
	// DefaultPageSize applies when the caller does not ask for a size.
	DefaultPageSize = 20
	// MaxPageSize caps the page size accepted from clients.
	MaxPageSize = 100
)

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// PageRequest is a normalised page/size pair.
type PageRequest struct {
	Page int
	Size int
}

// NewPageRequest clamps page and size into the accepted range.
func NewPageRequest(page, size int) PageRequest {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return PageRequest{Page: page, Size: size}
}

// Offset returns the number of rows to skip.
func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.Size
}

// NewPagination computes pagination metadata.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = DefaultPageSize
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}
