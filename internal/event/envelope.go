package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"
)

// Keepalive frames exchanged as literal text outside the JSON envelope
const (
	PingFrame = "ping"
	PongFrame = "pong"
)

// Envelope is the wire shape of one inbound frame
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// IsPong reports whether frame is the literal keepalive reply
func IsPong(frame []byte) bool {
	return string(bytes.TrimSpace(frame)) == PongFrame
}

// Parse decodes a raw frame into an Event. A missing timestamp falls back to
// receivedAt. Unknown kinds parse successfully; callers decide whether to route them.
func Parse(topic string, frame []byte, receivedAt time.Time) (Event, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return Event{}, &ParseError{Reason: "empty frame"}
	}
	if string(trimmed) == PongFrame {
		return Event{}, ErrKeepaliveReply
	}
	if trimmed[0] != '{' {
		return Event{}, &ParseError{Reason: "frame is not a JSON object"}
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Event{}, &ParseError{Reason: "invalid json", Err: err}
	}
	if env.Type == "" {
		return Event{}, &ParseError{Reason: "missing type"}
	}

	data := bytes.TrimSpace(env.Data)
	switch {
	case len(data) == 0 || string(data) == "null":
		data = nil
	case data[0] != '{':
		return Event{}, &ParseError{Reason: "data is not an object"}
	}

	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return Event{}, &ParseError{Reason: "invalid timestamp", Err: err}
	}
	hasTS := !ts.IsZero()
	if !hasTS {
		ts = receivedAt
	}

	return Event{
		Topic:        topic,
		Kind:         Kind(env.Type),
		Data:         json.RawMessage(data),
		Timestamp:    ts,
		HasTimestamp: hasTS,
		ReceivedAt:   receivedAt,
	}, nil
}

// parseTimestamp accepts an ISO-8601 string, a unix-seconds number, or a
// unix-seconds numeric string. Absent or null yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, errors.New("timestamp is neither ISO-8601 nor unix seconds")
		}
		return fromUnixSeconds(secs)
	}

	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, err
	}
	return fromUnixSeconds(secs)
}

func fromUnixSeconds(secs float64) (time.Time, error) {
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 || secs > float64(math.MaxInt64/int64(time.Second)) {
		return time.Time{}, errors.New("unix timestamp out of range")
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))).UTC(), nil
}

// Payload decodes the event data into the typed payload for its kind. It is
// decoded on demand and never gates delivery: absent data yields the zero
// payload, and only data whose fields have the wrong JSON types is a
// ProtocolError.
func (e Event) Payload() (Payload, error) {
	switch e.Kind {
	case KindFlagCreated, KindFlagConfirmed:
		p := FlagPayload{kind: e.Kind}
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case KindStatsUpdated:
		var p StatsPayload
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case KindTransactionCreated, KindTransactionConfirmed:
		p := TransactionPayload{kind: e.Kind}
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case KindAlertCreated, KindAlertResolved:
		p := AlertPayload{kind: e.Kind}
		if err := e.decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, ErrUnknownKind
	}
}

func (e Event) decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &ProtocolError{Kind: e.Kind, Err: err}
	}
	return nil
}
