package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/agentdesk/internal/knowledge"
)

// PayloadVersion is the schema version of Change carried in every envelope.
const PayloadVersion = "v1"

const (
	TypeOverrideCreated = "knowledge.override.created"
	TypeContentEdited   = "knowledge.content.edited"
	TypeVersionDeleted  = "knowledge.version.deleted"
	TypeTierDeleted     = "knowledge.tier.deleted"
)

var knownTypes = map[string]bool{
	TypeOverrideCreated: true,
	TypeContentEdited:   true,
	TypeVersionDeleted:  true,
	TypeTierDeleted:     true,
}

// Change is the payload of every knowledge event.
type Change struct {
	TenantID       string `json:"tenant_id"`
	Agent          string `json:"agent"`
	Name           string `json:"name"`
	Tier           string `json:"tier"`
	ActivationName string `json:"activation_name,omitempty"`
	ItemID         string `json:"item_id,omitempty"`
	Version        int64  `json:"version,omitempty"`
	// Invalidated is the version token that stopped existing, if any.
	Invalidated int64 `json:"invalidated,omitempty"`
	Deleted     int64 `json:"deleted,omitempty"`
	TierRemoved bool  `json:"tier_removed,omitempty"`
}

// ChangeFromItem fills the identity fields of a Change from it.
func ChangeFromItem(it knowledge.Item) Change {
	return Change{
		TenantID:       it.Scope.TenantID(),
		Agent:          it.Agent,
		Name:           it.Name,
		Tier:           it.Tier().String(),
		ActivationName: it.Scope.ActivationName(),
		ItemID:         it.ID,
		Version:        it.Version,
	}
}

// Envelope is the stream entry wrapping one Change.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	TraceID        string          `json:"trace_id,omitempty"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// NewChangeEnvelope wraps ch for eventType, stamping the trace of ctx when
// one is active.
func NewChangeEnvelope(ctx context.Context, eventType string, ch Change) (Envelope, error) {
	if !knownTypes[eventType] {
		return Envelope{}, fmt.Errorf("unknown event type %q", eventType)
	}
	if ch.Agent == "" || ch.Name == "" {
		return Envelope{}, fmt.Errorf("%s: agent and name are required", eventType)
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal change: %w", err)
	}
	env := Envelope{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		OccurredAt:     time.Now().UTC(),
		PayloadVersion: PayloadVersion,
		Data:           data,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env, nil
}

func (e Envelope) validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("event_id is required")
	case !knownTypes[e.EventType]:
		return fmt.Errorf("unknown event type %q", e.EventType)
	case e.PayloadVersion != PayloadVersion:
		return fmt.Errorf("unsupported payload version %q", e.PayloadVersion)
	case len(e.Data) == 0:
		return fmt.Errorf("%s: empty payload", e.EventType)
	}
	return nil
}

// Marshal encodes the envelope for XADD.
func (e Envelope) Marshal() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeChange parses a stream entry written by Publisher.
func DecodeChange(raw []byte) (Envelope, Change, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, Change{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, Change{}, err
	}
	var ch Change
	if err := json.Unmarshal(env.Data, &ch); err != nil {
		return Envelope{}, Change{}, fmt.Errorf("%s: unmarshal change: %w", env.EventType, err)
	}
	return env, ch, nil
}
