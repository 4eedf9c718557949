package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"callsync/internal/calls"
	"callsync/internal/provider"
)

// Normalizer maps raw provider payloads into canonical events. It is
// pure apart from the injectable clock; no I/O, no logging.
//
// Defensive decoding rules:
// - missing/unparseable timestamp -> clock()
// - missing duration -> 0
// - direction is re-derived from which endpoint is internal; the
//   payload's own Direction field conflates leg direction with logical
//   call direction and is ignored.
type Normalizer struct {
	internal map[string]struct{}
	clock    func() time.Time
}

// NewNormalizer builds a normalizer. internalNumbers is the set of
// numbers owned by this deployment (E.164), used for direction
// derivation.
func NewNormalizer(internalNumbers []string) *Normalizer {
	m := make(map[string]struct{}, len(internalNumbers))
	for _, n := range internalNumbers {
		n = strings.TrimSpace(n)
		if n != "" {
			m[n] = struct{}{}
		}
	}
	return &Normalizer{internal: m, clock: time.Now}
}

// WithClock overrides the fallback clock. Intended for tests.
func (n *Normalizer) WithClock(clock func() time.Time) *Normalizer {
	n.clock = clock
	return n
}

// Voice normalizes a voice status callback payload (JSON object of the
// provider's form fields).
func (n *Normalizer) Voice(payload []byte) (VoiceEvent, error) {
	f, err := decodeFields(payload)
	if err != nil {
		return VoiceEvent{}, fmt.Errorf("events: decode voice payload: %w", err)
	}

	sid := f.str("CallSid")
	if sid == "" {
		return VoiceEvent{}, fmt.Errorf("events: voice payload has no CallSid")
	}

	status, known := calls.ParseStatus(f.str("CallStatus"))
	from := f.str("From")
	to := f.str("To")

	ev := VoiceEvent{
		CallSid:         sid,
		ParentCallSid:   f.str("ParentCallSid"),
		Status:          status,
		StatusKnown:     known,
		RawStatus:       f.str("CallStatus"),
		From:            from,
		To:              to,
		Direction:       n.DeriveDirection(from, to),
		EventTime:       n.eventTime(f.str("Timestamp")),
		DurationSeconds: f.intOr("CallDuration", 0),
		PriceMicro:      parsePriceMicro(f.str("Price")),
		Currency:        f.str("PriceUnit"),
		SequenceNumber:  f.intOr("SequenceNumber", -1),
		RecordingSid:    f.str("RecordingSid"),
		QueueSid:        f.str("QueueSid"),
		Raw:             string(payload),
	}
	return ev, nil
}

// Recording normalizes a recording status callback payload.
func (n *Normalizer) Recording(payload []byte) (RecordingEvent, error) {
	f, err := decodeFields(payload)
	if err != nil {
		return RecordingEvent{}, fmt.Errorf("events: decode recording payload: %w", err)
	}

	callSid := f.str("CallSid")
	recSid := f.str("RecordingSid")
	if callSid == "" || recSid == "" {
		return RecordingEvent{}, fmt.Errorf("events: recording payload missing CallSid or RecordingSid")
	}

	return RecordingEvent{
		RecordingSid:    recSid,
		CallSid:         callSid,
		Status:          RecordingStatus(f.str("RecordingStatus")),
		DurationSeconds: f.intOr("RecordingDuration", 0),
		URL:             f.str("RecordingUrl"),
		Track:           f.str("RecordingTrack"),
		EventTime:       n.eventTime(f.str("Timestamp")),
		Raw:             string(payload),
	}, nil
}

// Transcription normalizes a transcription callback payload.
func (n *Normalizer) Transcription(payload []byte) (TranscriptEvent, error) {
	f, err := decodeFields(payload)
	if err != nil {
		return TranscriptEvent{}, fmt.Errorf("events: decode transcription payload: %w", err)
	}

	callSid := f.str("CallSid")
	trSid := f.str("TranscriptionSid")
	if callSid == "" || trSid == "" {
		return TranscriptEvent{}, fmt.Errorf("events: transcription payload missing CallSid or TranscriptionSid")
	}

	conf, _ := strconv.ParseFloat(f.str("Confidence"), 64)
	return TranscriptEvent{
		TranscriptionSid: trSid,
		CallSid:          callSid,
		Status:           TranscriptStatus(f.str("TranscriptionStatus")),
		Text:             f.str("TranscriptionText"),
		Confidence:       conf,
		Language:         f.str("LanguageCode"),
		EventTime:        n.eventTime(f.str("Timestamp")),
		Raw:              string(payload),
	}, nil
}

// FromCallDetail converts an authoritative provider fetch result into a
// VoiceEvent so pollers re-drive the exact same decide/persist pipeline
// as the webhook path.
func (n *Normalizer) FromCallDetail(d provider.CallDetail) VoiceEvent {
	status, known := calls.ParseStatus(d.Status)

	t := n.clock()
	if d.EndTime != nil {
		t = *d.EndTime
	} else if d.StartTime != nil {
		t = *d.StartTime
	}

	return VoiceEvent{
		CallSid:         d.Sid,
		ParentCallSid:   d.ParentCallSid,
		Status:          status,
		StatusKnown:     known,
		RawStatus:       d.Status,
		From:            d.From,
		To:              d.To,
		Direction:       n.DeriveDirection(d.From, d.To),
		EventTime:       t,
		DurationSeconds: d.DurationSeconds,
		PriceMicro:      parsePriceMicro(d.Price),
		Currency:        d.PriceUnit,
		SequenceNumber:  -1,
		Raw:             d.Raw,
	}
}

// DeriveDirection decides inbound/outbound from which endpoint is an
// internal number.
func (n *Normalizer) DeriveDirection(from, to string) calls.Direction {
	if _, ok := n.internal[to]; ok {
		return calls.DirectionInbound
	}
	if _, ok := n.internal[from]; ok {
		return calls.DirectionOutbound
	}
	return calls.DirectionUnknown
}

func (n *Normalizer) eventTime(raw string) time.Time {
	if t, ok := parseTimestamp(raw); ok {
		return t
	}
	return n.clock().UTC()
}

// parseTimestamp accepts the provider's RFC1123 variants plus RFC3339.
func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parsePriceMicro parses a signed decimal price string into micro-units.
// Anything unparseable maps to 0; price is audit data, never money.
func parsePriceMicro(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	neg := false
	if strings.HasPrefix(raw, "-") {
		neg = true
		raw = raw[1:]
	} else if strings.HasPrefix(raw, "+") {
		raw = raw[1:]
	}

	whole, frac := raw, ""
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		whole, frac = raw[:i], raw[i+1:]
	}
	if len(frac) > 6 {
		frac = frac[:6]
	}
	frac = frac + strings.Repeat("0", 6-len(frac))

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil && whole != "" {
		return 0
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0
	}
	v := w*1_000_000 + f
	if neg {
		v = -v
	}
	return v
}

// fields is a defensively decoded payload: all values coerced to strings.
type fields map[string]string

func decodeFields(payload []byte) (fields, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	f := make(fields, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			f[k] = t
		case float64:
			f[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			f[k] = strconv.FormatBool(t)
		case nil:
			// skip
		default:
			b, _ := json.Marshal(t)
			f[k] = string(b)
		}
	}
	return f, nil
}

func (f fields) str(key string) string { return strings.TrimSpace(f[key]) }

func (f fields) intOr(key string, def int) int {
	v := f.str(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
