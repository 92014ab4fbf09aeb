package healthrecord

import "sort"

// FilterByKind keeps the records of kind, preserving order. An empty kind
// keeps everything. The result is never nil.
func FilterByKind(records []*Record, kind Kind) []*Record {
	out := make([]*Record, 0, len(records))
	for _, r := range records {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// SortByCreatedDesc orders records newest first. Records without a creation
// time sort last; ties keep their input order.
func SortByCreatedDesc(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].DateCreated, records[j].DateCreated
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}

// View is what a dashboard tab shows: one kind, newest first.
func View(records []*Record, kind Kind) []*Record {
	out := FilterByKind(records, kind)
	SortByCreatedDesc(out)
	return out
}
