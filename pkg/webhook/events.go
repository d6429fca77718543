// Package webhook receives platform delivery callbacks: the subscription
// handshake and the event batches that feed both read-models.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnknownField marks a change field this service does not handle.
// Callers log and skip; new platform event types must never break ingestion.
var ErrUnknownField = errors.New("unknown change field")

// Change field names the platform sends.
const (
	FieldMessages       = "messages"
	FieldTemplateStatus = "message_template_status_update"
	FieldAccountUpdate  = "account_update"
)

// DeliveryPayload is the envelope of one webhook POST.
type DeliveryPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups changes for one WABA.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one event with its raw value, decoded lazily by field.
type Change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// Metadata identifies the receiving phone number, which is how events are
// routed to a tenant.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// ContactInfo is the sender profile attached to inbound messages.
type ContactInfo struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// InboundMessage is one message inside a messages change.
type InboundMessage struct {
	From      string          `json:"from"`
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"` // unix seconds, as a string
	Type      string          `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Raw json.RawMessage `json:"-"`
}

// StatusUpdate is one delivery receipt inside a messages change.
type StatusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Event is a decoded change. The concrete type depends on the change field
// and, for the messages field, on whether the value carries messages or
// statuses.
type Event interface {
	eventName() string
}

// MessagesEvent carries inbound messages for one receiving number.
type MessagesEvent struct {
	Metadata Metadata
	Contacts []ContactInfo
	Messages []InboundMessage
}

// StatusesEvent carries delivery receipts for previously sent messages.
type StatusesEvent struct {
	Metadata Metadata
	Statuses []StatusUpdate
}

// TemplateStatusEvent reports a message-template review outcome.
type TemplateStatusEvent struct {
	TemplateID   int64  `json:"message_template_id"`
	TemplateName string `json:"message_template_name"`
	Event        string `json:"event"`
	Reason       string `json:"reason"`
}

// AccountUpdateEvent reports a WABA-level change such as a ban or a
// verification decision.
type AccountUpdateEvent struct {
	PhoneNumber string `json:"phone_number"`
	Event       string `json:"event"`
}

func (MessagesEvent) eventName() string       { return "messages" }
func (StatusesEvent) eventName() string       { return "statuses" }
func (TemplateStatusEvent) eventName() string { return "template_status" }
func (AccountUpdateEvent) eventName() string  { return "account_update" }

// messagesValue is the wire shape of a messages change value. One value
// carries either messages or statuses, occasionally both.
type messagesValue struct {
	Metadata Metadata          `json:"metadata"`
	Contacts []ContactInfo     `json:"contacts"`
	Messages []json.RawMessage `json:"messages"`
	Statuses []StatusUpdate    `json:"statuses"`
}

// ParseChange decodes one change into its typed events. A messages change
// can yield both a MessagesEvent and a StatusesEvent. Unhandled fields
// return ErrUnknownField.
func ParseChange(c Change) ([]Event, error) {
	switch c.Field {
	case FieldMessages:
		var v messagesValue
		if err := json.Unmarshal(c.Value, &v); err != nil {
			return nil, fmt.Errorf("decoding messages change: %w", err)
		}
		var events []Event
		if len(v.Messages) > 0 {
			msgs := make([]InboundMessage, 0, len(v.Messages))
			for _, raw := range v.Messages {
				var m InboundMessage
				if err := json.Unmarshal(raw, &m); err != nil {
					return nil, fmt.Errorf("decoding inbound message: %w", err)
				}
				m.Raw = raw
				msgs = append(msgs, m)
			}
			events = append(events, MessagesEvent{Metadata: v.Metadata, Contacts: v.Contacts, Messages: msgs})
		}
		if len(v.Statuses) > 0 {
			events = append(events, StatusesEvent{Metadata: v.Metadata, Statuses: v.Statuses})
		}
		return events, nil

	case FieldTemplateStatus:
		var e TemplateStatusEvent
		if err := json.Unmarshal(c.Value, &e); err != nil {
			return nil, fmt.Errorf("decoding template status change: %w", err)
		}
		return []Event{e}, nil

	case FieldAccountUpdate:
		var e AccountUpdateEvent
		if err := json.Unmarshal(c.Value, &e); err != nil {
			return nil, fmt.Errorf("decoding account update change: %w", err)
		}
		return []Event{e}, nil

	default:
		return nil, fmt.Errorf("field %q: %w", c.Field, ErrUnknownField)
	}
}

// senderName looks up the profile name for a message sender, empty when the
// contacts block is absent.
func senderName(contacts []ContactInfo, waID string) string {
	for _, c := range contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	return ""
}

// eventTime converts the platform's string unix-seconds timestamp, falling
// back to now for missing or malformed values.
func eventTime(ts string) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
