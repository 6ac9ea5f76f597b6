package storage

import (
	"strconv"
	"strings"
)

// MergeDistinct concatenates base and extra and removes exact duplicate
// rows, keeping the first occurrence. The base header wins; extra rows
// are projected onto it by column name, with missing columns left empty.
// A nil base takes the header of extra.
func MergeDistinct(base, extra *Table) *Table {
	var header []string
	switch {
	case base != nil && len(base.Header) > 0:
		header = base.Header
	case extra != nil:
		header = extra.Header
	}

	out := &Table{Header: append([]string(nil), header...)}
	seen := make(map[string]struct{})

	add := func(row []string) {
		key := rowKey(row)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out.Rows = append(out.Rows, row)
	}

	if base != nil {
		for _, row := range base.Rows {
			add(row)
		}
	}
	if extra != nil {
		project := projection(header, extra.Header)
		for _, row := range extra.Rows {
			add(project(row))
		}
	}
	return out
}

// projection maps rows laid out by from onto the to header.
func projection(to, from []string) func([]string) []string {
	if equalHeaders(to, from) {
		return func(row []string) []string { return row }
	}
	index := make(map[string]int, len(from))
	for i, h := range from {
		index[h] = i
	}
	return func(row []string) []string {
		projected := make([]string, len(to))
		for i, h := range to {
			if j, ok := index[h]; ok && j < len(row) {
				projected[i] = row[j]
			}
		}
		return projected
	}
}

func equalHeaders(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// rowKey length-prefixes every cell so distinct rows never share a key.
func rowKey(row []string) string {
	var b strings.Builder
	for _, cell := range row {
		b.WriteString(strconv.Itoa(len(cell)))
		b.WriteByte(':')
		b.WriteString(cell)
	}
	return b.String()
}
