// Package message defines the typed envelopes the dispatch engine delivers.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates the message union on the wire.
type Type string

const (
	TypeData     Type = "DATA"
	TypeAlert    Type = "ALERT"
	TypeResponse Type = "RESPONSE"
	TypeResource Type = "RESOURCES_REPORT"
)

// Priority orders messages server-side. It does not affect local dispatch
// order, which stays FIFO.
type Priority string

const (
	PriorityLowest  Priority = "LOWEST"
	PriorityLow     Priority = "LOW"
	PriorityMedium  Priority = "MEDIUM"
	PriorityHigh    Priority = "HIGH"
	PriorityHighest Priority = "HIGHEST"
)

// Reliability is carried on the wire for the server's benefit.
type Reliability string

const (
	ReliabilityBestEffort  Reliability = "BEST_EFFORT"
	ReliabilityGuaranteed  Reliability = "GUARANTEED_DELIVERY"
	ReliabilityNoGuarantee Reliability = "NO_GUARANTEE"
)

// Severity qualifies alert messages.
type Severity string

const (
	SeverityCritical    Severity = "CRITICAL"
	SeveritySignificant Severity = "SIGNIFICANT"
	SeverityNormal      Severity = "NORMAL"
	SeverityLow         Severity = "LOW"
)

// Message is one outbound envelope. Immutable once built; the dispatch
// engine and the persistence mirror treat it as a value.
type Message struct {
	ID          string      `json:"id"`
	ClientID    string      `json:"clientId,omitempty"`
	Source      string      `json:"source"`
	Destination string      `json:"destination,omitempty"`
	Priority    Priority    `json:"priority"`
	Reliability Reliability `json:"reliability"`
	EventTime   int64       `json:"eventTime"`
	Type        Type        `json:"type"`
	Payload     Payload     `json:"payload"`
}

// Payload carries the format URN and the key-typed-value items. Severity and
// Description are populated for alerts, the response fields for responses.
type Payload struct {
	Format      string                 `json:"format,omitempty"`
	Severity    Severity               `json:"severity,omitempty"`
	Description string                 `json:"description,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`

	// Response-only fields, correlating back to the server request.
	RequestID  string            `json:"requestId,omitempty"`
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

// Builder assembles a Message. Zero-value fields are defaulted at Build:
// a random id, the current event time, medium priority, best effort
// reliability.
type Builder struct {
	msg Message
}

func NewBuilder(t Type) *Builder {
	return &Builder{msg: Message{Type: t}}
}

// NewData starts a data message for the given source endpoint and format URN.
func NewData(source, format string) *Builder {
	return NewBuilder(TypeData).Source(source).Format(format)
}

// NewAlert starts an alert message for the given source endpoint and format URN.
func NewAlert(source, format string, severity Severity) *Builder {
	b := NewBuilder(TypeAlert).Source(source).Format(format)
	b.msg.Payload.Severity = severity
	return b
}

// NewResponse starts a response message correlated to a server request.
func NewResponse(source, requestID string, statusCode int) *Builder {
	b := NewBuilder(TypeResponse).Source(source)
	b.msg.Payload.RequestID = requestID
	b.msg.Payload.StatusCode = statusCode
	return b
}

func (b *Builder) Source(id string) *Builder {
	b.msg.Source = id
	return b
}

func (b *Builder) Destination(id string) *Builder {
	b.msg.Destination = id
	return b
}

func (b *Builder) ClientID(id string) *Builder {
	b.msg.ClientID = id
	return b
}

func (b *Builder) Format(urn string) *Builder {
	b.msg.Payload.Format = urn
	return b
}

func (b *Builder) Priority(p Priority) *Builder {
	b.msg.Priority = p
	return b
}

func (b *Builder) Reliability(r Reliability) *Builder {
	b.msg.Reliability = r
	return b
}

func (b *Builder) Description(text string) *Builder {
	b.msg.Payload.Description = text
	return b
}

func (b *Builder) Body(body string) *Builder {
	b.msg.Payload.Body = body
	return b
}

func (b *Builder) Header(key, value string) *Builder {
	if b.msg.Payload.Headers == nil {
		b.msg.Payload.Headers = make(map[string]string)
	}
	b.msg.Payload.Headers[key] = value
	return b
}

// DataItem adds one key-typed-value item to the payload.
func (b *Builder) DataItem(key string, value interface{}) *Builder {
	if b.msg.Payload.Data == nil {
		b.msg.Payload.Data = make(map[string]interface{})
	}
	b.msg.Payload.Data[key] = value
	return b
}

func (b *Builder) EventTime(t time.Time) *Builder {
	b.msg.EventTime = t.UnixMilli()
	return b
}

// Build finalizes the message, filling in defaults for unset fields.
func (b *Builder) Build() Message {
	msg := b.msg
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EventTime == 0 {
		msg.EventTime = time.Now().UnixMilli()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityMedium
	}
	if msg.Reliability == "" {
		msg.Reliability = ReliabilityBestEffort
	}
	return msg
}
