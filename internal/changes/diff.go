package changes

import (
	"slices"

	"github.com/odyssey-erp/makerchecker/internal/document"
)

// ComputeDiff compares the snapshots field by field in sorted field order.
// Equal fields are omitted. Array-valued fields are never diffed element-wise;
// they are left to the record view, which shows both snapshots whole.
func ComputeDiff(rec ChangeRecord) []DiffEntry {
	fields := append(rec.OldValue.Fields(), rec.NewValue.Fields()...)
	slices.Sort(fields)
	fields = slices.Compact(fields)

	diff := make([]DiffEntry, 0, len(fields))
	for _, field := range fields {
		oldValue, _ := rec.OldValue.Get(field)
		newValue, _ := rec.NewValue.Get(field)
		if document.IsEmptyArray(oldValue) && document.IsEmptyArray(newValue) {
			continue
		}
		if document.KindOf(oldValue) == document.KindArray || document.KindOf(newValue) == document.KindArray {
			continue
		}
		if document.Equal(oldValue, newValue) {
			continue
		}
		diff = append(diff, DiffEntry{Field: field, OldValue: oldValue, NewValue: newValue})
	}
	return diff
}
