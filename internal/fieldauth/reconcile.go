package fieldauth

// Reconcile computes the accepted value of a multi-valued relation:
//
//	(submitted ∩ enable) ∪ (initial \ enable)
//
// Members outside the enable-set keep their initial state whatever was
// submitted. The result is sorted and free of duplicates.
func Reconcile(initial, enable, submitted []string) []string {
	enabled := make(map[string]struct{}, len(enable))
	for _, id := range enable {
		enabled[id] = struct{}{}
	}
	var out []string
	for _, id := range submitted {
		if _, ok := enabled[id]; ok {
			out = append(out, id)
		}
	}
	for _, id := range initial {
		if _, ok := enabled[id]; !ok {
			out = append(out, id)
		}
	}
	return normalize(out)
}

// union returns the sorted distinct members of a and b.
func union(a, b []string) []string {
	return normalize(append(append([]string(nil), a...), b...))
}

// difference returns the members of a not in b.
func difference(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, v := range b {
		drop[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := drop[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
