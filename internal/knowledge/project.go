package knowledge

import "sort"

// Project groups a flat snapshot of items by article name. It is a pure
// function of its input: groups are ordered by name, activations by
// activation name, and the input slice is never modified.
//
// When the snapshot holds more than one item for the same tier slot, the
// item with the highest version wins; ties fall back to the latest UpdatedAt
// and then the greater ID. Items without a valid scope are ignored.
func Project(items []Item) []Group {
	type acc struct {
		system      *Item
		tenant      *Item
		activations map[string]Item
	}
	byName := make(map[string]*acc)
	for _, it := range items {
		if !it.Scope.Valid() {
			continue
		}
		a, ok := byName[it.Name]
		if !ok {
			a = &acc{activations: map[string]Item{}}
			byName[it.Name] = a
		}
		switch it.Tier() {
		case TierSystem:
			if a.system == nil || supersedes(it, *a.system) {
				cp := it
				a.system = &cp
			}
		case TierTenant:
			if a.tenant == nil || supersedes(it, *a.tenant) {
				cp := it
				a.tenant = &cp
			}
		case TierActivation:
			key := it.Scope.ActivationName()
			if cur, ok := a.activations[key]; !ok || supersedes(it, cur) {
				a.activations[key] = it
			}
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Group, 0, len(names))
	for _, name := range names {
		a := byName[name]
		g := Group{Name: name, System: a.system, Tenant: a.tenant}
		if len(a.activations) > 0 {
			keys := make([]string, 0, len(a.activations))
			for k := range a.activations {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			g.Activations = make([]Item, 0, len(keys))
			for _, k := range keys {
				g.Activations = append(g.Activations, a.activations[k])
			}
		}
		out = append(out, g)
	}
	return out
}

func supersedes(a, b Item) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}

// Find returns the group for name.
func Find(groups []Group, name string) (Group, bool) {
	for _, g := range groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}
