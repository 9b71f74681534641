package domain

import (
	"slices"
	"strings"
)

// Sort is a validated listing order. A leading "-" in the raw form means descending.
type Sort struct {
	Field string
	Desc  bool
}

// ParseSort validates raw against the allowed fields, falling back to def when raw is empty
func ParseSort(raw, def string, allowed ...string) (Sort, error) {
	if raw == "" {
		raw = def
	}

	s := Sort{Field: raw}
	if strings.HasPrefix(raw, "-") {
		s = Sort{Field: raw[1:], Desc: true}
	}

	if !slices.Contains(allowed, s.Field) {
		return Sort{}, ErrInvalidSort.WithMessage("sort must be one of %s", strings.Join(allowed, ", "))
	}
	return s, nil
}

// Direction returns the SQL keyword for the sort direction
func (s Sort) Direction() string {
	if s.Desc {
		return "DESC"
	}
	return "ASC"
}

// Pagination bounds an admin listing
type Pagination struct {
	Start int
	Count int
}

// MaxPageSize caps Count on admin listings
const MaxPageSize = 100

// Validate rejects negative offsets and page sizes outside 1..MaxPageSize
func (p Pagination) Validate() error {
	if p.Start < 0 {
		return ErrInvalidPagination.WithMessage("start must be positive, got %d", p.Start)
	}
	if p.Count < 1 || p.Count > MaxPageSize {
		return ErrInvalidPagination.WithMessage("count must be between 1 and %d, got %d", MaxPageSize, p.Count)
	}
	return nil
}
