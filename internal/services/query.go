package services

import (
	"fmt"
	"math"
	"strings"
)

// filterSet accumulates equality filters for a list query, numbering the
// placeholders as it goes.
type filterSet struct {
	conds   []string
	args    []any
	applied map[string]any
}

func newFilterSet() *filterSet {
	return &filterSet{applied: map[string]any{}}
}

func (f *filterSet) eq(column string, value any) {
	f.args = append(f.args, value)
	f.conds = append(f.conds, fmt.Sprintf("%s = $%d", column, len(f.args)))
	f.applied[column] = value
}

func (f *filterSet) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

// page returns the LIMIT/OFFSET suffix and the full argument list for it.
func (f *filterSet) page(limit, offset int) (string, []any) {
	n := len(f.args)
	args := append(append([]any{}, f.args...), limit, offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2), args
}

func pagination(page, limit, total int) map[string]any {
	return map[string]any{
		"page":        page,
		"limit":       limit,
		"total":       total,
		"total_pages": int(math.Ceil(float64(total) / float64(limit))),
		"has_next":    page*limit < total,
		"has_prev":    page > 1,
	}
}
