package realtime

import (
	"errors"
	"fmt"
	"maps"

	"github.com/bt-bridge/realtime-console/shared"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

type EventType string

// Server event types
const (
	EventTypeError          EventType = "error"
	EventTypeSessionCreated EventType = "session.created"
	EventTypeSessionUpdated EventType = "session.updated"
	EventTypeResponseDone   EventType = "response.done"
	// EventTypeUpdateTopic is not part of the vendor protocol. It asks the
	// client to switch to one of the named instructions.
	EventTypeUpdateTopic EventType = "update_topic"
)

// Client event types
const (
	EventTypeSessionUpdate          EventType = "session.update"
	EventTypeConversationItemCreate EventType = "conversation.item.create"
	EventTypeResponseCreate         EventType = "response.create"
	EventTypeResponseCancel         EventType = "response.cancel"
	EventTypeInputAudioBufferClear  EventType = "input_audio_buffer.clear"
)

const (
	fieldType    = "type"
	fieldEventId = "event_id"
)

// Event is one message of the event channel. Everything besides type and
// event_id lives in Payload. Events are not modified once logged.
type Event struct {
	EventId string
	Type    EventType
	Payload map[string]any
}

func NewEvent(t EventType, payload map[string]any) *Event {
	return &Event{Type: t, Payload: payload}
}

// ParseEvent decodes one channel frame. The frame must be a JSON object with
// a string type field; anything else is ErrMalformedMessage.
func ParseEvent(data []byte) (*Event, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrMalformedMessage, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not a JSON object", shared.ErrMalformedMessage)
	}
	t, ok := raw[fieldType].(string)
	if !ok || t == "" {
		return nil, fmt.Errorf("%w: missing type", shared.ErrMalformedMessage)
	}
	e := &Event{Type: EventType(t)}
	if id, ok := raw[fieldEventId].(string); ok {
		e.EventId = id
	}
	delete(raw, fieldType)
	delete(raw, fieldEventId)
	e.Payload = raw
	return e, nil
}

// Clone returns a deep copy of e. Nested maps and []any slices are copied;
// other values are shared.
func (e *Event) Clone() *Event {
	c := *e
	c.Payload, _ = cloneValue(e.Payload).(map[string]any)
	return &c
}

// WithId returns a deep copy carrying an event id, generating one if e has
// none.
func (e *Event) WithId() *Event {
	c := e.Clone()
	if c.EventId == "" {
		c.EventId = uuid.NewString()
	}
	return c
}

func (e *Event) fields() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	m := make(map[string]any, len(e.Payload)+2)
	maps.Copy(m, e.Payload)
	m[fieldType] = string(e.Type)
	if e.EventId != "" {
		m[fieldEventId] = e.EventId
	}
	return m, nil
}

func (e *Event) MarshalJSON() ([]byte, error) {
	m, err := e.fields()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(m)
}

func (e *Event) MarshalYAML() ([]byte, error) {
	m, err := e.fields()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(m, yaml.UseJSONMarshaler())
}

// String returns the string payload field key, or "".
func (e *Event) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// FunctionCall is a function invocation requested by the remote assistant.
type FunctionCall struct {
	Name      string
	CallId    string
	Arguments string
	Item      map[string]any
}

// FunctionCalls collects the function calls carried by a response.done
// event, from response.output[] items of type function_call and from
// output.function_call.
func (e *Event) FunctionCalls() []FunctionCall {
	if e.Type != EventTypeResponseDone {
		return nil
	}
	var calls []FunctionCall
	if resp, ok := e.Payload["response"].(map[string]any); ok {
		if output, ok := resp["output"].([]any); ok {
			for _, o := range output {
				item, ok := o.(map[string]any)
				if !ok || item["type"] != "function_call" {
					continue
				}
				if call, ok := newFunctionCall(item); ok {
					calls = append(calls, call)
				}
			}
		}
	}
	if output, ok := e.Payload["output"].(map[string]any); ok {
		if item, ok := output["function_call"].(map[string]any); ok {
			if call, ok := newFunctionCall(item); ok {
				calls = append(calls, call)
			}
		}
	}
	return calls
}

func (c *FunctionCall) Clone() *FunctionCall {
	out := *c
	out.Item, _ = cloneValue(c.Item).(map[string]any)
	return &out
}

func newFunctionCall(item map[string]any) (FunctionCall, bool) {
	name, _ := item["name"].(string)
	if name == "" {
		return FunctionCall{}, false
	}
	call := FunctionCall{Name: name, Item: item}
	call.CallId, _ = item["call_id"].(string)
	call.Arguments, _ = item["arguments"].(string)
	return call, true
}
