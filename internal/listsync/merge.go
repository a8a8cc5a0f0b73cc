package listsync

import (
	"slices"
	"sort"

	"github.com/Natanaelvich/app-auth-supabase-example/internal/domain"
)

// Apply returns the collection that results from applying change to records.
//
// records must already be in scope order. The input slice is never modified,
// so a previously published snapshot stays valid. Applying the same change
// twice yields the same collection as applying it once.
func Apply(records []domain.Record, change domain.Change, scope domain.Scope) []domain.Record {
	switch change.Kind {
	case domain.ChangeDelete:
		i := indexOf(records, change.RecordID())
		if i < 0 {
			return records
		}
		return removeAt(records, i)

	case domain.ChangeInsert, domain.ChangeUpdate:
		if change.New == nil || change.New.ID == "" {
			return records
		}
		rec := *change.New

		i := indexOf(records, rec.ID)
		if i < 0 {
			return insertSorted(records, rec, scope)
		}

		rec = mergeFields(records[i], rec)
		if fitsAt(records, i, rec, scope) {
			out := slices.Clone(records)
			out[i] = rec
			return out
		}
		return insertSorted(removeAt(records, i), rec, scope)
	}

	return records
}

// Normalize orders a freshly fetched batch for the scope and drops duplicate
// ids, keeping the last occurrence.
func Normalize(records []domain.Record, scope domain.Scope) []domain.Record {
	seen := make(map[string]int, len(records))
	out := make([]domain.Record, 0, len(records))
	for _, r := range records {
		if i, ok := seen[r.ID]; ok {
			out[i] = r
			continue
		}
		seen[r.ID] = len(out)
		out = append(out, r)
	}

	slices.SortStableFunc(out, func(a, b domain.Record) int {
		switch {
		case scope.Less(a, b):
			return -1
		case scope.Less(b, a):
			return 1
		default:
			return 0
		}
	})
	return out
}

// mergeFields overlays the incoming value on the held one. The store owns the
// value, so incoming fields win; immutable fields missing from a partial
// event are carried over.
func mergeFields(held, incoming domain.Record) domain.Record {
	if incoming.OwnerID == "" {
		incoming.OwnerID = held.OwnerID
	}
	if incoming.ScopeKey == "" {
		incoming.ScopeKey = held.ScopeKey
	}
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = held.CreatedAt
	}
	return incoming
}

// fitsAt reports whether rec can replace records[i] without breaking order.
func fitsAt(records []domain.Record, i int, rec domain.Record, scope domain.Scope) bool {
	if i > 0 && scope.Less(rec, records[i-1]) {
		return false
	}
	if i < len(records)-1 && scope.Less(records[i+1], rec) {
		return false
	}
	return true
}

// insertSorted places rec after every entry that does not sort after it.
func insertSorted(records []domain.Record, rec domain.Record, scope domain.Scope) []domain.Record {
	pos := sort.Search(len(records), func(j int) bool {
		return scope.Less(rec, records[j])
	})

	out := make([]domain.Record, 0, len(records)+1)
	out = append(out, records[:pos]...)
	out = append(out, rec)
	return append(out, records[pos:]...)
}

func removeAt(records []domain.Record, i int) []domain.Record {
	out := make([]domain.Record, 0, len(records)-1)
	out = append(out, records[:i]...)
	return append(out, records[i+1:]...)
}

func indexOf(records []domain.Record, id string) int {
	if id == "" {
		return -1
	}
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}
