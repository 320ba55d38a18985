package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/agentdesk/internal/events"
	"github.com/mohammad-safakhou/agentdesk/internal/knowledge"
)

var validate = validator.New()

// KnowledgeHandler exposes the knowledge engine for one (tenant, agent)
// pair at a time. The tenant and agent always come from the path.
type KnowledgeHandler struct {
	engine        *knowledge.Engine
	notifier      events.Notifier
	revisionLimit int
}

func NewKnowledgeHandler(engine *knowledge.Engine, notifier events.Notifier, revisionLimit int) *KnowledgeHandler {
	if engine == nil {
		return nil
	}
	if notifier == nil {
		notifier = events.Discard
	}
	if revisionLimit <= 0 {
		revisionLimit = 20
	}
	return &KnowledgeHandler{engine: engine, notifier: notifier, revisionLimit: revisionLimit}
}

func (h *KnowledgeHandler) Register(g *echo.Group) {
	if h == nil {
		return
	}
	grp := g.Group("/tenants/:tenant_id/agents/:agent/knowledge")
	grp.GET("", h.list)
	grp.GET("/", h.list)
	grp.GET("/articles/:name", h.article)
	grp.POST("/overrides", h.createOverride)
	grp.PUT("/items/:id", h.editContent)
	grp.GET("/items/:id/revisions", h.revisions)
	grp.GET("/items/:id/diff", h.diff)
	grp.DELETE("/items/:id/version", h.deleteVersion)
	grp.DELETE("/articles/:name/tiers/:tier", h.deleteTier)
}

type itemDTO struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	Digest         string    `json:"digest"`
	Version        int64     `json:"version"`
	Agent          string    `json:"agent"`
	Tier           string    `json:"tier"`
	SystemScoped   bool      `json:"system_scoped"`
	TenantID       *string   `json:"tenant_id"`
	ActivationName *string   `json:"activation_name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	SlotCreatedAt  time.Time `json:"slot_created_at"`
}

type groupDTO struct {
	Name             string    `json:"name"`
	System           *itemDTO  `json:"system"`
	Tenant           *itemDTO  `json:"tenant"`
	Activations      []itemDTO `json:"activations"`
	Effective        *itemDTO  `json:"effective"`
	EffectiveTier    string    `json:"effective_tier,omitempty"`
	AvailableTargets []string  `json:"available_targets"`
}

type revisionDTO struct {
	Version   int64     `json:"version"`
	Content   string    `json:"content"`
	Digest    string    `json:"digest"`
	CreatedAt time.Time `json:"created_at"`
}

func toRevisionDTO(ct knowledge.ContentType, r knowledge.Revision) revisionDTO {
	return revisionDTO{Version: r.Version, Content: r.Content, Digest: knowledge.Digest(ct, r.Content), CreatedAt: r.CreatedAt}
}

type diffResponse struct {
	ItemID  string      `json:"item_id"`
	Type    string      `json:"type"`
	From    revisionDTO `json:"from"`
	To      revisionDTO `json:"to"`
	Changed bool        `json:"changed"`
}

type deleteVersionResponse struct {
	Item        *itemDTO `json:"item"`
	Invalidated int64    `json:"invalidated"`
	TierRemoved bool     `json:"tier_removed"`
}

type overrideRequest struct {
	SourceID       string `json:"source_id" validate:"required,max=64"`
	TargetTier     string `json:"target_tier" validate:"required"`
	ActivationName string `json:"activation_name" validate:"omitempty,max=128"`
}

type editContentRequest struct {
	Content string `json:"content" validate:"max=1048576"`
	Type    string `json:"type" validate:"required"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toItemDTO(it knowledge.Item) itemDTO {
	return itemDTO{
		ID:             it.ID,
		Name:           it.Name,
		Type:           string(it.Type),
		Content:        it.Content,
		Digest:         knowledge.Digest(it.Type, it.Content),
		Version:        it.Version,
		Agent:          it.Agent,
		Tier:           it.Tier().String(),
		SystemScoped:   it.Scope.SystemScoped(),
		TenantID:       optional(it.Scope.TenantID()),
		ActivationName: optional(it.Scope.ActivationName()),
		CreatedAt:      it.CreatedAt,
		UpdatedAt:      it.UpdatedAt,
		SlotCreatedAt:  it.SlotCreatedAt,
	}
}

func itemPtr(it *knowledge.Item) *itemDTO {
	if it == nil {
		return nil
	}
	dto := toItemDTO(*it)
	return &dto
}

func toGroupDTO(g knowledge.Group, rc knowledge.RequestContext) groupDTO {
	g = g.ForActivation(rc.ActivationName)
	out := groupDTO{
		Name:             g.Name,
		System:           itemPtr(g.System),
		Tenant:           itemPtr(g.Tenant),
		Activations:      make([]itemDTO, 0, len(g.Activations)),
		AvailableTargets: []string{},
	}
	for _, it := range g.Activations {
		out.Activations = append(out.Activations, toItemDTO(it))
	}
	if eff, tier, err := knowledge.EffectiveItem(g); err == nil {
		out.Effective = itemPtr(&eff)
		out.EffectiveTier = tier.String()
	}
	for _, t := range knowledge.AvailableTargets(g, rc) {
		out.AvailableTargets = append(out.AvailableTargets, t.String())
	}
	return out
}

func requestContext(c echo.Context) (knowledge.RequestContext, error) {
	rc := knowledge.RequestContext{
		TenantID:       strings.TrimSpace(c.Param("tenant_id")),
		Agent:          strings.TrimSpace(c.Param("agent")),
		ActivationName: strings.TrimSpace(c.QueryParam("activation")),
	}
	if rc.TenantID == "" || rc.Agent == "" {
		return rc, echo.NewHTTPError(http.StatusBadRequest, "tenant_id and agent required")
	}
	return rc, nil
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// loadItem fetches an item and hides it unless it belongs to the path
// agent and is either system-wide or owned by the path tenant.
func (h *KnowledgeHandler) loadItem(ctx context.Context, rc knowledge.RequestContext, id string) (knowledge.Item, error) {
	it, err := h.engine.Item(ctx, id)
	if err != nil {
		return knowledge.Item{}, err
	}
	if it.Agent != rc.Agent {
		return knowledge.Item{}, fmt.Errorf("%w: item %s", knowledge.ErrNotFound, id)
	}
	if it.Tier() != knowledge.TierSystem && it.Scope.TenantID() != rc.TenantID {
		return knowledge.Item{}, fmt.Errorf("%w: item %s", knowledge.ErrNotFound, id)
	}
	return it, nil
}

func (h *KnowledgeHandler) list(c echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	groups, err := h.engine.Groups(c.Request().Context(), rc)
	if err != nil {
		return err
	}
	out := make([]groupDTO, 0, len(groups))
	for _, g := range groups {
		out = append(out, toGroupDTO(g, rc))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tenant_id":  rc.TenantID,
		"agent":      rc.Agent,
		"activation": rc.ActivationName,
		"groups":     out,
	})
}

func (h *KnowledgeHandler) article(c echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	name := c.Param("name")
	res, err := h.engine.Resolve(c.Request().Context(), rc, name)
	if errors.Is(err, knowledge.ErrNotFound) {
		return c.JSON(http.StatusNotFound, toGroupDTO(knowledge.Group{Name: name}, rc))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toGroupDTO(res.Group, rc))
}

func (h *KnowledgeHandler) createOverride(c echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	var req overrideRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	target, err := knowledge.ParseTier(req.TargetTier)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if a := strings.TrimSpace(req.ActivationName); a != "" {
		rc.ActivationName = a
	}
	ctx := c.Request().Context()
	source, err := h.loadItem(ctx, rc, req.SourceID)
	if err != nil {
		return err
	}
	created, err := h.engine.CreateOverride(ctx, source, target, rc)
	if err != nil {
		return err
	}
	h.notifier.Notify(ctx, events.TypeOverrideCreated, events.ChangeFromItem(created))
	return c.JSON(http.StatusCreated, toItemDTO(created))
}

func (h *KnowledgeHandler) editContent(c echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	var req editContentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ct, err := knowledge.ParseContentType(req.Type)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	stored, err := h.loadItem(ctx, rc, c.Param("id"))
	if err != nil {
		return err
	}
	updated, err := h.engine.EditContent(ctx, stored.ID, req.Content, ct)
	if err != nil {
		return err
	}
	ch := events.ChangeFromItem(updated)
	ch.Invalidated = stored.Version
	h.notifier.Notify(ctx, events.TypeContentEdited, ch)
	return c.JSON(http.StatusOK, toItemDTO(updated))
}

func (h *KnowledgeHandler) revisions(c echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	limit := h.revisionLimit
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		if n < limit {
			limit = n
		}
	}
	ctx := c.Request().Context()
	it, err := h.loadItem(ctx, rc, c.Param("id"))
	if err != nil {
		return err
	}
	revs, err := h.engine.Revisions(ctx, it.ID, limit)
	if err != nil {
		return err
	}
	out := make([]revisionDTO, 0, len(revs))
	for _, r := range revs {
		out = append(out, toRevisionDTO(it.Type, r))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"item_id":   it.ID,
		"version":   it.Version,
		"revisions": out,
	})
}

func (h *KnowledgeHandler) diff(c echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	parse := func(key string) (int64, error) {
		n, err := strconv.ParseInt(strings.TrimSpace(c.QueryParam(key)), 10, 64)
		if err != nil || n <= 0 {
			return 0, echo.NewHTTPError(http.StatusBadRequest, key+" must be a positive version")
		}
		return n, nil
	}
	from, err := parse("from")
	if err != nil {
		return err
	}
	to, err := parse("to")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	it, err := h.loadItem(ctx, rc, c.Param("id"))
	if err != nil {
		return err
	}
	d, err := h.engine.Diff(ctx, it.ID, from, to, h.revisionLimit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, diffResponse{
		ItemID:  d.ItemID,
		Type:    string(d.Type),
		From:    toRevisionDTO(d.Type, d.From),
		To:      toRevisionDTO(d.Type, d.To),
		Changed: d.Changed,
	})
}

func (h *KnowledgeHandler) deleteVersion(c echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	stored, err := h.loadItem(ctx, rc, c.Param("id"))
	if err != nil {
		return err
	}
	res, err := h.engine.DeleteVersion(ctx, stored.ID)
	if err != nil {
		return err
	}
	ch := events.ChangeFromItem(stored)
	ch.Invalidated = res.Invalidated
	ch.TierRemoved = res.TierRemoved
	resp := deleteVersionResponse{Invalidated: res.Invalidated, TierRemoved: res.TierRemoved}
	if res.TierRemoved {
		ch.Version = 0
	} else {
		ch.Version = res.Item.Version
		resp.Item = itemPtr(&res.Item)
	}
	h.notifier.Notify(ctx, events.TypeVersionDeleted, ch)
	return c.JSON(http.StatusOK, resp)
}

func (h *KnowledgeHandler) deleteTier(c echo.Context) error {
	rc, err := requestContext(c)
	if err != nil {
		return err
	}
	tier, err := knowledge.ParseTier(c.Param("tier"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	name := c.Param("name")
	ctx := c.Request().Context()
	n, err := h.engine.DeleteAllVersionsAtTier(ctx, name, tier, rc)
	if err != nil {
		return err
	}
	if n > 0 {
		ch := events.Change{TenantID: rc.TenantID, Agent: rc.Agent, Name: name, Tier: tier.String(), Deleted: n}
		if tier == knowledge.TierActivation {
			ch.ActivationName = rc.ActivationName
		}
		h.notifier.Notify(ctx, events.TypeTierDeleted, ch)
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}
