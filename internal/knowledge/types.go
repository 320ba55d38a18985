// Package knowledge resolves and mutates the three-tier knowledge overlay
// (system, tenant, activation) used by deployed agent instances.
package knowledge

import (
	"fmt"
	"strings"
	"time"
)

// Tier identifies the specificity level of a knowledge item.
type Tier int

const (
	TierUnknown Tier = iota
	TierSystem
	TierTenant
	TierActivation
)

func (t Tier) String() string {
	switch t {
	case TierSystem:
		return "system"
	case TierTenant:
		return "tenant"
	case TierActivation:
		return "activation"
	default:
		return "unknown"
	}
}

// ParseTier maps a wire name to a Tier.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return TierSystem, nil
	case "tenant":
		return TierTenant, nil
	case "activation":
		return TierActivation, nil
	default:
		return TierUnknown, fmt.Errorf("unknown tier %q", s)
	}
}

// MoreSpecificThan reports whether t shadows other.
func (t Tier) MoreSpecificThan(other Tier) bool {
	return t != TierUnknown && other != TierUnknown && t > other
}

// CanOverride reports whether an item at from may be copied down to to.
func CanOverride(from, to Tier) bool {
	return to <= TierActivation && to.MoreSpecificThan(from)
}

// Scope is the tier membership of an item. The zero value is invalid; use
// SystemScope, TenantScope or ActivationScope.
type Scope struct {
	tier           Tier
	tenantID       string
	activationName string
}

func SystemScope() Scope { return Scope{tier: TierSystem} }

func TenantScope(tenantID string) Scope {
	return Scope{tier: TierTenant, tenantID: tenantID}
}

func ActivationScope(tenantID, activationName string) Scope {
	return Scope{tier: TierActivation, tenantID: tenantID, activationName: activationName}
}

// ScopeFromFields decodes the stored (systemScoped, tenantId, activationName)
// triple. Exactly one of the three tier shapes must hold.
func ScopeFromFields(systemScoped bool, tenantID, activationName string) (Scope, error) {
	tenantID = strings.TrimSpace(tenantID)
	activationName = strings.TrimSpace(activationName)
	switch {
	case systemScoped && tenantID == "" && activationName == "":
		return SystemScope(), nil
	case !systemScoped && tenantID != "" && activationName == "":
		return TenantScope(tenantID), nil
	case !systemScoped && tenantID != "" && activationName != "":
		return ActivationScope(tenantID, activationName), nil
	default:
		return Scope{}, fmt.Errorf("ambiguous scope: system_scoped=%t tenant_id=%q activation_name=%q", systemScoped, tenantID, activationName)
	}
}

func (s Scope) Tier() Tier { return s.tier }
func (s Scope) TenantID() string { return s.tenantID }
func (s Scope) ActivationName() string { return s.activationName }
func (s Scope) SystemScoped() bool { return s.tier == TierSystem }
func (s Scope) Valid() bool { return s.tier != TierUnknown }

func (s Scope) String() string {
	switch s.tier {
	case TierSystem:
		return "system"
	case TierTenant:
		return "tenant/" + s.tenantID
	case TierActivation:
		return "activation/" + s.tenantID + "/" + s.activationName
	default:
		return "invalid"
	}
}

// ContentType is the format of an item's content, fixed at creation.
type ContentType string

const (
	ContentJSON     ContentType = "json"
	ContentMarkdown ContentType = "markdown"
	ContentText     ContentType = "text"
)

// ParseContentType normalises a wire content type.
func ParseContentType(s string) (ContentType, error) {
	switch ct := ContentType(strings.ToLower(strings.TrimSpace(s))); ct {
	case ContentJSON, ContentMarkdown, ContentText:
		return ct, nil
	default:
		return "", fmt.Errorf("%w: unknown content type %q", ErrInvalidContent, s)
	}
}

// Item is the current version of one article at one tier.
type Item struct {
	ID      string
	Name    string
	Type    ContentType
	Content string
	// Version advances on every edit and is never reused for the same ID.
	Version int64
	Agent   string
	Scope   Scope
	// CreatedAt is the creation time of the current version.
	CreatedAt time.Time
	UpdatedAt time.Time
	// SlotCreatedAt is when the override slot itself was first created.
	SlotCreatedAt time.Time
}

func (i Item) Tier() Tier { return i.Scope.Tier() }

// Revision is one retained version of an item.
type Revision struct {
	ItemID    string
	Version   int64
	Content   string
	CreatedAt time.Time
}

// Group aggregates every tier of one article as seen from a single context.
type Group struct {
	Name        string
	System      *Item
	Tenant      *Item
	Activations []Item
}

// Empty reports whether no tier holds an item.
func (g Group) Empty() bool {
	return g.System == nil && g.Tenant == nil && len(g.Activations) == 0
}

// ForActivation narrows the activation tier to a single activation.
func (g Group) ForActivation(activationName string) Group {
	out := Group{Name: g.Name, System: g.System, Tenant: g.Tenant}
	for _, it := range g.Activations {
		if it.Scope.ActivationName() == activationName {
			out.Activations = append(out.Activations, it)
		}
	}
	return out
}

// At returns the item occupying scope, if any.
func (g Group) At(scope Scope) (Item, bool) {
	switch scope.Tier() {
	case TierSystem:
		if g.System != nil {
			return *g.System, true
		}
	case TierTenant:
		if g.Tenant != nil && g.Tenant.Scope.TenantID() == scope.TenantID() {
			return *g.Tenant, true
		}
	case TierActivation:
		for _, it := range g.Activations {
			if it.Scope == scope {
				return it, true
			}
		}
	}
	return Item{}, false
}

// RequestContext is the (tenant, agent, activation) a caller operates in.
type RequestContext struct {
	TenantID       string
	Agent          string
	ActivationName string
}

// ScopeFor returns the scope the context addresses at tier. System is
// addressable by any context.
func (rc RequestContext) ScopeFor(tier Tier) (Scope, error) {
	switch tier {
	case TierSystem:
		return SystemScope(), nil
	case TierTenant:
		if strings.TrimSpace(rc.TenantID) == "" {
			return Scope{}, fmt.Errorf("tenant id required for tenant tier")
		}
		return TenantScope(strings.TrimSpace(rc.TenantID)), nil
	case TierActivation:
		if strings.TrimSpace(rc.TenantID) == "" || strings.TrimSpace(rc.ActivationName) == "" {
			return Scope{}, fmt.Errorf("tenant id and activation name required for activation tier")
		}
		return ActivationScope(strings.TrimSpace(rc.TenantID), strings.TrimSpace(rc.ActivationName)), nil
	default:
		return Scope{}, fmt.Errorf("unknown tier %s", tier)
	}
}
