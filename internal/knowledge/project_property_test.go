package knowledge

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var propertyBase = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func drawItems(rt *rapid.T) []Item {
	n := rapid.IntRange(0, 24).Draw(rt, "num_items")
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		tenant := rapid.SampledFrom([]string{"acme", "globex"}).Draw(rt, "tenant")
		var scope Scope
		switch rapid.IntRange(0, 3).Draw(rt, "tier") {
		case 0:
			scope = SystemScope()
		case 1:
			scope = TenantScope(tenant)
		case 2:
			scope = ActivationScope(tenant, rapid.SampledFrom([]string{"a", "b", "c"}).Draw(rt, "activation"))
		default:
			// Zero scope: never produced by a store, must be ignored.
		}
		items = append(items, Item{
			ID:        fmt.Sprintf("item-%03d", i),
			Name:      rapid.SampledFrom([]string{"faq", "tone", "refunds"}).Draw(rt, "name"),
			Type:      ContentText,
			Content:   rapid.StringMatching(`[a-z ]{0,12}`).Draw(rt, "content"),
			Version:   int64(rapid.IntRange(1, 5).Draw(rt, "version")),
			Agent:     "bot",
			Scope:     scope,
			UpdatedAt: propertyBase.Add(time.Duration(rapid.IntRange(0, 3).Draw(rt, "minute")) * time.Minute),
		})
	}
	return items
}

func cloneItems(items []Item) []Item {
	return append(make([]Item, 0, len(items)), items...)
}

// TestPropertyProjectIsPureAndOrderIndependent checks that projecting leaves
// the input untouched and that input order never changes the result.
func TestPropertyProjectIsPureAndOrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		items := drawItems(rt)
		before := cloneItems(items)

		first := Project(items)
		require.Equal(rt, before, items, "Project modified its input")

		shuffled := cloneItems(items)
		perm := rapid.Permutation(shuffled).Draw(rt, "perm")
		second := Project(perm)
		require.Equal(rt, first, second, "projection depends on input order")
	})
}

// TestPropertyProjectGroupsEveryValidItem checks group membership and order.
func TestPropertyProjectGroupsEveryValidItem(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		items := drawItems(rt)
		groups := Project(items)

		names := make([]string, 0, len(groups))
		for _, g := range groups {
			names = append(names, g.Name)
			require.False(rt, g.Empty(), "group %q is empty", g.Name)
			if g.System != nil {
				require.Equal(rt, TierSystem, g.System.Tier(), "group %q: system slot", g.Name)
			}
			if g.Tenant != nil {
				require.Equal(rt, TierTenant, g.Tenant.Tier(), "group %q: tenant slot", g.Name)
			}
			for i, a := range g.Activations {
				require.Equal(rt, TierActivation, a.Tier(), "group %q: activation entry %+v", g.Name, a)
				require.Equal(rt, g.Name, a.Name)
				if i > 0 {
					require.Less(rt, g.Activations[i-1].Scope.ActivationName(), a.Scope.ActivationName(),
						"group %q: activations not strictly ordered", g.Name)
				}
			}
		}
		require.True(rt, sort.StringsAreSorted(names), "groups not ordered by name: %v", names)

		for _, it := range items {
			if !it.Scope.Valid() {
				continue
			}
			g, ok := Find(groups, it.Name)
			require.True(rt, ok, "item %s (%s) has no group", it.ID, it.Name)
			if it.Tier() == TierSystem {
				require.NotNil(rt, g.System, "system slot of %q is empty", it.Name)
			}
		}
	})
}

// TestPropertyProjectKeepsHighestVersionPerSlot checks duplicate handling.
func TestPropertyProjectKeepsHighestVersionPerSlot(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		items := drawItems(rt)
		groups := Project(items)

		for _, it := range items {
			if !it.Scope.Valid() {
				continue
			}
			g, _ := Find(groups, it.Name)
			var kept *Item
			switch it.Tier() {
			case TierSystem:
				kept = g.System
			case TierTenant:
				kept = g.Tenant
			case TierActivation:
				for i := range g.Activations {
					if g.Activations[i].Scope.ActivationName() == it.Scope.ActivationName() {
						kept = &g.Activations[i]
					}
				}
			}
			if kept == nil {
				continue
			}
			if kept.Scope == it.Scope {
				require.False(rt, supersedes(it, *kept), "slot %s of %q kept %s but %s supersedes it", it.Scope, it.Name, kept.ID, it.ID)
			}
		}
	})
}

// TestPropertyEffectiveItemPrefersMostSpecificTier checks resolution order
// for a single context.
func TestPropertyEffectiveItemPrefersMostSpecificTier(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		items := drawItems(rt)
		tenant := rapid.SampledFrom([]string{"acme", "globex"}).Draw(rt, "ctx_tenant")
		activation := rapid.SampledFrom([]string{"", "a", "b"}).Draw(rt, "ctx_activation")

		// Restrict the snapshot to what a store would return for the context.
		var visible []Item
		for _, it := range items {
			switch it.Tier() {
			case TierSystem:
				visible = append(visible, it)
			case TierTenant:
				if it.Scope.TenantID() == tenant {
					visible = append(visible, it)
				}
			case TierActivation:
				if activation != "" && it.Scope == ActivationScope(tenant, activation) {
					visible = append(visible, it)
				}
			}
		}

		for _, g := range Project(visible) {
			g = g.ForActivation(activation)
			eff, tier, err := EffectiveItem(g)
			require.NoError(rt, err, "group %q", g.Name)
			require.Equal(rt, tier, eff.Tier(), "group %q: reported tier", g.Name)
			want := TierSystem
			if g.Tenant != nil {
				want = TierTenant
			}
			if len(g.Activations) > 0 {
				want = TierActivation
			}
			require.Equal(rt, want, tier, "group %q: effective tier", g.Name)
			level, ok := EffectiveScopeLevel(g)
			require.True(rt, ok, "group %q: no scope level", g.Name)
			require.Equal(rt, tier, level, "group %q: EffectiveScopeLevel", g.Name)
		}
	})
}
