package ditto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Content types and paths used by the agent.
const (
	ContentTypeMergePatch = "application/merge-patch+json"
	ContentTypeJSON       = "application/json"

	PathFeatures   = "/features"
	PathAttributes = "/attributes"
)

// ErrMalformed is returned for inbound payloads that lack the envelope fields.
var ErrMalformed = errors.New("malformed ditto message")

// ThingID is the "<namespace>:<name>" identity of a twin.
type ThingID struct {
	Namespace string
	Name      string
}

// ParseThingID splits "<namespace>:<name>" at the first colon.
func ParseThingID(s string) (ThingID, error) {
	ns, name, ok := strings.Cut(s, ":")
	if !ok || ns == "" || name == "" {
		return ThingID{}, fmt.Errorf("thing id %q: want <namespace>:<name>", s)
	}
	return ThingID{Namespace: ns, Name: name}, nil
}

func (id ThingID) String() string { return id.Namespace + ":" + id.Name }

// MergeTopic is the Ditto protocol topic of a twin merge command.
func (id ThingID) MergeTopic() string {
	return id.Namespace + "/" + id.Name + "/things/twin/commands/merge"
}

// Flag is a header boolean. Peers send either a JSON boolean or a string.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	var x any
	if err := json.Unmarshal(b, &x); err != nil {
		return err
	}
	switch v := x.(type) {
	case bool:
		*f = Flag(v)
	case string:
		*f = Flag(strings.EqualFold(v, "true"))
	default:
		*f = false
	}
	return nil
}

// FlagOf returns a pointer for use in Headers.
func FlagOf(b bool) *Flag {
	f := Flag(b)
	return &f
}

// Headers are the Ditto protocol headers the agent reads or writes.
type Headers struct {
	ContentType      string `json:"content-type,omitempty"`
	CorrelationID    string `json:"correlation-id,omitempty"`
	ResponseRequired *Flag  `json:"response-required,omitempty"`
	FeatureID        string `json:"ditto-message-feature-id,omitempty"`
}

// Requested reports whether the response-required header is present and true.
func (h Headers) Requested() bool {
	return h.ResponseRequired != nil && bool(*h.ResponseRequired)
}

// Message is an outbound Ditto protocol envelope.
type Message struct {
	Topic   string  `json:"topic"`
	Headers Headers `json:"headers"`
	Path    string  `json:"path"`
	Value   any     `json:"value,omitempty"`
	Status  int     `json:"status,omitempty"`
}

// MergePatch builds a twin merge command for path carrying value.
func MergePatch(id ThingID, path string, value any) *Message {
	return &Message{
		Topic: id.MergeTopic(),
		Headers: Headers{
			ContentType:      ContentTypeMergePatch,
			ResponseRequired: FlagOf(false),
		},
		Path:  path,
		Value: value,
	}
}

// Inbound is a parsed inbound envelope. Value is kept raw so it can be
// decoded against the declared argument type of the target command.
type Inbound struct {
	Topic   string          `json:"topic"`
	Headers Headers         `json:"headers"`
	Path    string          `json:"path"`
	Value   json.RawMessage `json:"value"`
}

// ParseInbound parses payload and checks that the topic, path and value
// fields are present. A JSON null value counts as present.
func ParseInbound(payload []byte) (*Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, k := range []string{"topic", "path", "value"} {
		if _, ok := fields[k]; !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformed, k)
		}
	}
	var in Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &in, nil
}

// Response builds the reply to in. A nil value omits the value field.
func Response(in *Inbound, status int, value any) *Message {
	return &Message{
		Topic: in.Topic,
		Headers: Headers{
			ContentType:   ContentTypeJSON,
			CorrelationID: in.Headers.CorrelationID,
		},
		Path:   in.Path,
		Value:  value,
		Status: status,
	}
}

// ErrorValue is the value of an error response.
type ErrorValue struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}
