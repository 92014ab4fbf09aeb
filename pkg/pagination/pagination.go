// Package pagination reads limit/offset query parameters and shapes paged
// list responses.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Unparseable values fall back to the
// defaults; limit is clamped to [1, MaxLimit] and offset to >= 0.
func FromContext(c echo.Context) Params {
	return Params{
		Limit:  clamp(queryInt(c, "limit", DefaultLimit), 1, MaxLimit),
		Offset: max(queryInt(c, "offset", 0), 0),
	}
}

func queryInt(c echo.Context, name string, def int) int {
	n, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return def
	}
	return n
}

func clamp(n, lo, hi int) int {
	if n < lo {
		if n == 0 {
			return DefaultLimit
		}
		return lo
	}
	return min(n, hi)
}

// Page is one slice of a larger list. Data is never null in JSON.
type Page[T any] struct {
	Data    []T    `json:"data"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"hasMore"`
	Next    string `json:"next,omitempty"`
	Prev    string `json:"prev,omitempty"`
}

func NewPage[T any](data []T, total int, p Params) *Page[T] {
	if data == nil {
		data = []T{}
	}
	return &Page[T]{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}

// WithLinks fills Next and Prev as paths relative to basePath.
func (pg *Page[T]) WithLinks(basePath string, p Params) *Page[T] {
	if p.HasNext(pg.Total) {
		pg.Next = link(basePath, p.NextOffset(), p.Limit)
	}
	if p.HasPrevious() {
		pg.Prev = link(basePath, p.PreviousOffset(), p.Limit)
	}
	return pg
}

func link(basePath string, offset, limit int) string {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	return basePath + "?" + q.Encode()
}

func (p Params) HasNext(total int) bool { return p.Offset+p.Limit < total }

func (p Params) HasPrevious() bool { return p.Offset > 0 }

func (p Params) NextOffset() int { return p.Offset + p.Limit }

// PreviousOffset never goes below zero.
func (p Params) PreviousOffset() int { return max(p.Offset-p.Limit, 0) }
