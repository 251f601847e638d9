package hono

import (
	"strconv"
	"strings"
)

// Topics builds and parses the Hono MQTT adapter topics. Hono accepts both a
// short form ("t", "e", "c///q/...") and a long form ("telemetry", "event",
// "command///req/..."); the zero value uses the short form.
type Topics struct {
	Long bool
}

func (t Topics) Telemetry() string {
	if t.Long {
		return "telemetry"
	}
	return "t"
}

func (t Topics) Event() string {
	if t.Long {
		return "event"
	}
	return "e"
}

// CommandSubscription is the filter matching every command request.
func (t Topics) CommandSubscription() string {
	return t.requestPrefix() + "#"
}

func (t Topics) requestPrefix() string {
	if t.Long {
		return "command///req/"
	}
	return "c///q/"
}

func (t Topics) responsePrefix() string {
	if t.Long {
		return "command///res/"
	}
	return "c///s/"
}

// Response is the topic a command response with status is published on.
func (t Topics) Response(requestID string, status int) string {
	return t.responsePrefix() + requestID + "/" + strconv.Itoa(status)
}

// RequestInfo is what a command request topic carries. An empty RequestID
// means the peer expects no response.
type RequestInfo struct {
	Valid     bool
	RequestID string
	Command   string
}

// ParseRequest splits "<prefix><requestId>/<command>". A topic without the
// request prefix or without a separator after it is invalid.
func (t Topics) ParseRequest(topic string) RequestInfo {
	rest, ok := strings.CutPrefix(topic, t.requestPrefix())
	if !ok {
		return RequestInfo{}
	}
	reqID, cmd, ok := strings.Cut(rest, "/")
	if !ok {
		return RequestInfo{}
	}
	return RequestInfo{Valid: true, RequestID: reqID, Command: cmd}
}
