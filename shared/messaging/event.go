package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of domain event tags carried in the "event" field.
type EventKind string

const (
	KindCategoryCreated EventKind = "category_created"
	KindCategoryUpdated EventKind = "category_updated"
	KindCategoryDeleted EventKind = "category_deleted"
	KindProductCreated  EventKind = "product_created"
	KindProductUpdated  EventKind = "product_updated"
	KindProductDeleted  EventKind = "product_deleted"
	KindOrderCreated    EventKind = "order_created"
	KindOrderUpdated    EventKind = "order_updated"
	KindOrderCancelled  EventKind = "order_cancelled"
)

// Reserved top-level wire fields. Everything else in the object is payload.
const (
	FieldEvent     = "event"
	FieldEventID   = "event_id"
	FieldTimestamp = "timestamp"
)

const ContentTypeJSON = "application/json"

// requiredFields lists the payload fields that must be present and non-null per kind.
var requiredFields = map[EventKind][]string{
	KindCategoryCreated: {"category_id", "name"},
	KindCategoryUpdated: {"category_id", "name"},
	KindCategoryDeleted: {"category_id"},
	KindProductCreated:  {"product_id", "name", "price"},
	KindProductUpdated:  {"product_id", "name", "price"},
	KindProductDeleted:  {"product_id"},
	KindOrderCreated:    {"order_id", "user_id", "status", "total"},
	KindOrderUpdated:    {"order_id", "user_id", "status", "total"},
	KindOrderCancelled:  {"order_id", "user_id"},
}

// Known reports whether k is one of the enumerated kinds.
func (k EventKind) Known() bool {
	_, ok := requiredFields[k]
	return ok
}

// Family returns the entity family of the kind, e.g. "product" for product_created.
func (k EventKind) Family() Family {
	family, _, _ := strings.Cut(string(k), "_")
	return Family(family)
}

// RoutingKey maps product_created to product.created.
func (k EventKind) RoutingKey() string {
	return strings.Replace(string(k), "_", ".", 1)
}

// KindForRoutingKey is the inverse of RoutingKey.
func KindForRoutingKey(routingKey string) EventKind {
	return EventKind(strings.Replace(routingKey, ".", "_", 1))
}

// Kinds returns every known kind in a stable order.
func Kinds() []EventKind {
	kinds := make([]EventKind, 0, len(requiredFields))
	for k := range requiredFields {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Event is the unit of communication between services.
type Event struct {
	ID        string
	Kind      EventKind
	Payload   map[string]any
	Timestamp time.Time
}

// NewEvent builds an event with a fresh id. The timestamp is left for the publisher to stamp.
func NewEvent(kind EventKind, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:      uuid.New().String(),
		Kind:    kind,
		Payload: payload,
	}
}

// Validate checks that the kind is known and its required payload fields are set.
func (e Event) Validate() error {
	fields, ok := requiredFields[e.Kind]
	if !ok {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	var missing []string
	for _, f := range fields {
		if v, ok := e.Payload[f]; !ok || v == nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields %s", strings.Join(missing, ", "))
	}
	return nil
}

// Marshal encodes the event as a flat UTF-8 JSON object. Failures are *SerializationError.
func (e Event) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, &SerializationError{Kind: e.Kind, Err: err}
	}

	obj := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		obj[k] = v
	}
	obj[FieldEvent] = string(e.Kind)
	if e.ID != "" {
		obj[FieldEventID] = e.ID
	}
	if !e.Timestamp.IsZero() {
		obj[FieldTimestamp] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	body, err := json.Marshal(obj)
	if err != nil {
		return nil, &SerializationError{Kind: e.Kind, Err: err}
	}
	return body, nil
}

// timestamp layouts accepted on the wire; producers without a zone offset are read as UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Unmarshal decodes a wire payload. Only the "event" field is mandatory; unknown kinds are
// decoded as-is so the handler can ignore them explicitly.
func Unmarshal(body []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return Event{}, fmt.Errorf("failed to decode event body: %w", err)
	}
	if obj == nil {
		return Event{}, errors.New("event body is null")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Event{}, errors.New("event body has trailing data after the JSON object")
	}

	kind, ok := obj[FieldEvent].(string)
	if !ok || kind == "" {
		return Event{}, fmt.Errorf("event body has no %q field", FieldEvent)
	}

	ev := Event{Kind: EventKind(kind), Payload: make(map[string]any, len(obj))}
	if id, ok := obj[FieldEventID].(string); ok {
		ev.ID = id
	}
	if ts, ok := obj[FieldTimestamp].(string); ok {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, ts); err == nil {
				ev.Timestamp = t
				break
			}
		}
	}

	for k, v := range obj {
		switch k {
		case FieldEvent, FieldEventID, FieldTimestamp:
		default:
			ev.Payload[k] = v
		}
	}
	return ev, nil
}

// Decode copies the payload into a typed struct such as ProductPayload.
func (e Event) Decode(v any) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to re-encode %s payload: %w", e.Kind, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
	}
	return nil
}
