package fixtures

import (
	"time"

	"github.com/davidleathers/sequence-correlator/internal/domain/event"
)

// BaseTime anchors generated event timestamps
var BaseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// EventBuilder builds CloudTrail-shaped test events
type EventBuilder struct {
	fields event.Event
}

// NewEventBuilder creates a builder with an eventName and the base timestamp
func NewEventBuilder(name string) *EventBuilder {
	return &EventBuilder{fields: event.Event{
		"eventName":   name,
		"eventSource": "ec2.amazonaws.com",
		"awsRegion":   "us-east-1",
		"@timestamp":  BaseTime,
	}}
}

// At sets the @timestamp field
func (b *EventBuilder) At(ts time.Time) *EventBuilder {
	b.fields["@timestamp"] = ts
	return b
}

// Offset sets @timestamp relative to BaseTime
func (b *EventBuilder) Offset(d time.Duration) *EventBuilder {
	return b.At(BaseTime.Add(d))
}

// Instance sets requestParameters.instanceId
func (b *EventBuilder) Instance(id string) *EventBuilder {
	params, _ := b.fields["requestParameters"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	params["instanceId"] = id
	b.fields["requestParameters"] = params
	return b
}

// User sets userIdentity.userName
func (b *EventBuilder) User(name string) *EventBuilder {
	b.fields["userIdentity"] = map[string]any{"type": "IAMUser", "userName": name}
	return b
}

// SourceIP sets sourceIPAddress
func (b *EventBuilder) SourceIP(ip string) *EventBuilder {
	b.fields["sourceIPAddress"] = ip
	return b
}

// With sets an arbitrary top-level field
func (b *EventBuilder) With(key string, value any) *EventBuilder {
	b.fields[key] = value
	return b
}

// Without removes a top-level field
func (b *EventBuilder) Without(key string) *EventBuilder {
	delete(b.fields, key)
	return b
}

// Build returns the event
func (b *EventBuilder) Build() event.Event {
	return b.fields.Clone()
}

// Sequence builds one event per name, a second apart starting at BaseTime
func Sequence(names ...string) []event.Event {
	out := make([]event.Event, 0, len(names))
	for i, name := range names {
		out = append(out, NewEventBuilder(name).Offset(time.Duration(i)*time.Second).Build())
	}
	return out
}

// InstanceTamperEvents is the Stop, Modify, Start interleaving that holds
// two complete sequences
func InstanceTamperEvents() []event.Event {
	return Sequence(
		"StopInstances",
		"ModifyInstanceAttribute",
		"StopInstances",
		"StartInstances",
		"ModifyInstanceAttribute",
		"StartInstances",
	)
}
