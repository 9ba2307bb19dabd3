package federation

import "sort"

// Concat appends all per-instance slices in instance order.
// The result is never nil, so an empty merge encodes as [].
func Concat[E any](results []QueryResult[[]E]) []E {
	out := make([]E, 0)
	for _, r := range results {
		out = append(out, r.Results...)
	}
	return out
}

// SortedConcat concatenates and stably sorts the merged slice.
func SortedConcat[E any](less func(a, b E) bool) Combiner[[]E] {
	return func(results []QueryResult[[]E]) []E {
		out := Concat(results)
		sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
		return out
	}
}

// DistinctBy concatenates and keeps one element per key. When two
// instances report the same key, the element for which newer reports true
// against the other wins. First-seen order of keys is preserved.
func DistinctBy[E any](key func(E) string, newer func(a, b E) bool) Combiner[[]E] {
	return func(results []QueryResult[[]E]) []E {
		index := make(map[string]int)
		out := make([]E, 0)
		for _, r := range results {
			for _, e := range r.Results {
				k := key(e)
				if i, seen := index[k]; seen {
					if newer != nil && newer(e, out[i]) {
						out[i] = e
					}
					continue
				}
				index[k] = len(out)
				out = append(out, e)
			}
		}
		return out
	}
}

// Fold reduces per-instance payloads with add, starting from the zero value.
func Fold[T any](add func(acc *T, next T)) Combiner[T] {
	return func(results []QueryResult[T]) T {
		var acc T
		for _, r := range results {
			add(&acc, r.Results)
		}
		return acc
	}
}
