// Package pagination reads limit/offset windows from list requests and
// wraps list results in a page envelope.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is one requested page.
type Params struct {
	Limit  int
	Offset int
}

// New clamps limit into [1, MaxLimit], using DefaultLimit when it is not
// positive, and offset to be non-negative.
func New(limit, offset int) Params {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return Params{Limit: limit, Offset: max(offset, 0)}
}

// FromContext reads ?limit= and ?offset=. Values that do not parse fall
// back to the defaults.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	return New(limit, offset)
}

// Page is the list response envelope. NextOffset is omitted on the last page.
type Page[T any] struct {
	Data       []T  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	NextOffset *int `json:"next_offset,omitempty"`
}

// NewResponse builds the envelope for one page of a result set of size total.
func NewResponse[T any](data []T, total int, p Params) Page[T] {
	if data == nil {
		data = []T{}
	}
	page := Page[T]{Data: data, Total: total, Limit: p.Limit, Offset: p.Offset}
	if next := p.Offset + p.Limit; next < total {
		page.NextOffset = &next
	}
	return page
}
