package agent

import (
	"net/http"
	"time"

	"ditto-agent/internal/ditto"
	"ditto-agent/internal/hono"
	"ditto-agent/internal/thing"
	"ditto-agent/internal/wire"
)

// Error codes carried in error response values.
const (
	errCodeArgument = "command:argument.invalid"
	errCodeHandler  = "command:handler.failed"
)

// dispatch resolves one inbound command request, invokes it and publishes at
// most one response. It runs on the loop goroutine from within Service.
func (a *Agent) dispatch(topic string, payload []byte) {
	info := a.topics.ParseRequest(topic)
	if !info.Valid {
		a.logger.Warn("invalid command topic", "topic", topic)
		return
	}
	in, err := ditto.ParseInbound(payload)
	if err != nil {
		a.logger.Warn("malformed command", "topic", topic, "err", err)
		return
	}
	if info.Command == thing.ReservedCommand {
		a.logger.Warn("peer reported an error", "request_id", info.RequestID, "value", string(in.Value))
		return
	}

	rec := CommandData{
		Time:          a.now(),
		RequestID:     info.RequestID,
		CorrelationID: in.Headers.CorrelationID,
		Feature:       in.Headers.FeatureID,
		Command:       info.Command,
	}
	defer func() { a.events.Emit(Event{Type: EventCommand, Data: rec}) }()

	f, ok := a.features[in.Headers.FeatureID]
	if !ok {
		a.logger.Warn("command for unknown feature", "feature", in.Headers.FeatureID, "command", info.Command)
		rec.Status, rec.Error = http.StatusNotFound, "unknown feature"
		rec.Replied = a.reply(info, in, http.StatusNotFound, nil)
		return
	}
	cmd, ok := f.Command(info.Command)
	if !ok {
		a.logger.Warn("unknown command", "feature", f.ID(), "command", info.Command)
		rec.Status, rec.Error = http.StatusNotFound, "unknown command"
		rec.Replied = a.reply(info, in, http.StatusNotFound, nil)
		return
	}

	arg, err := wire.Decode(cmd.ArgType(), in.Value)
	if err != nil {
		a.logger.Warn("command argument rejected", "feature", f.ID(), "command", cmd.Name(), "err", err)
		rec.Status, rec.Error = http.StatusBadRequest, err.Error()
		rec.Replied = a.reply(info, in, http.StatusBadRequest, errorValue(http.StatusBadRequest, errCodeArgument, err))
		return
	}

	start := time.Now()
	res, err := cmd.Invoke(arg)
	rec.Duration = time.Since(start)
	if err != nil {
		a.logger.Error("command failed", "feature", f.ID(), "command", cmd.Name(), "err", err)
		rec.Status, rec.Error = http.StatusInternalServerError, err.Error()
		rec.Replied = a.reply(info, in, http.StatusInternalServerError, errorValue(http.StatusInternalServerError, errCodeHandler, err))
		return
	}

	if res.IsVoid() && !in.Headers.Requested() {
		rec.Status = http.StatusOK
		return
	}

	status, value := responseOf(res)
	rec.Status = status
	rec.Replied = a.reply(info, in, status, value)
}

// responseOf maps a handler result to the response status and value. An
// empty text is "no content"; void carries no value.
func responseOf(res wire.Value) (int, any) {
	switch {
	case res.IsVoid():
		return http.StatusOK, nil
	case res.Type() == wire.TypeText && res.Text() == "":
		return http.StatusNoContent, nil
	default:
		return http.StatusOK, res
	}
}

// reply publishes a response to in. Without a correlation id the peer could
// not match the response, and without a request id it expects none; in both
// cases nothing is sent. A nil value sends an empty payload for 404 and
// omits the value field otherwise.
func (a *Agent) reply(info hono.RequestInfo, in *ditto.Inbound, status int, value any) bool {
	if in.Headers.CorrelationID == "" {
		a.logger.Warn("no correlation-id, response dropped", "command", info.Command, "status", status)
		return false
	}
	if info.RequestID == "" {
		a.logger.Debug("no request id, response not expected", "command", info.Command, "status", status)
		return false
	}

	var doc any
	if status != http.StatusNotFound {
		doc = ditto.Response(in, status, value)
	}
	topic := a.topics.Response(info.RequestID, status)
	if !a.transport.Send(topic, doc, qosResponse) {
		a.logger.Warn("response not sent", "topic", topic)
		return false
	}
	return true
}

func errorValue(status int, code string, err error) ditto.ErrorValue {
	return ditto.ErrorValue{Status: status, Error: code, Message: err.Error()}
}
