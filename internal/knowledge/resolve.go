package knowledge

import "fmt"

// EffectiveItem returns the most specific item of g and the tier it came
// from: activation, then tenant, then system. An empty group yields
// ErrNotFound, which callers should render as "nothing configured".
func EffectiveItem(g Group) (Item, Tier, error) {
	if len(g.Activations) > 0 {
		return g.Activations[0], TierActivation, nil
	}
	if g.Tenant != nil {
		return *g.Tenant, TierTenant, nil
	}
	if g.System != nil {
		return *g.System, TierSystem, nil
	}
	return Item{}, TierUnknown, fmt.Errorf("%w: no knowledge configured for %q", ErrNotFound, g.Name)
}

// EffectiveScopeLevel reports which tier supplies the effective item.
func EffectiveScopeLevel(g Group) (Tier, bool) {
	_, tier, err := EffectiveItem(g)
	if err != nil {
		return TierUnknown, false
	}
	return tier, true
}

// AvailableTargets lists the tiers the effective item of g may still be
// copied down to from rc: strictly more specific, unoccupied, and
// addressable by the context.
func AvailableTargets(g Group, rc RequestContext) []Tier {
	g = g.ForActivation(rc.ActivationName)
	eff, ok := EffectiveScopeLevel(g)
	if !ok {
		return nil
	}
	var out []Tier
	for _, target := range []Tier{TierTenant, TierActivation} {
		if !CanOverride(eff, target) {
			continue
		}
		scope, err := rc.ScopeFor(target)
		if err != nil {
			continue
		}
		if _, occupied := g.At(scope); occupied {
			continue
		}
		out = append(out, target)
	}
	return out
}
