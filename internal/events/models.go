package events

import (
	"time"

	"callsync/internal/calls"
)

// Source identifies which provider callback family produced an event.
type Source string

const (
	SourceVoice         Source = "voice"
	SourceRecording     Source = "recording"
	SourceTranscription Source = "transcription"
)

// VoiceEvent is a normalized voice status notification.
//
// Fields are explicitly optional: the provider omits most of them on
// early lifecycle callbacks. Raw payloads never travel past the
// normalizer; consumers only see this shape.
type VoiceEvent struct {
	CallSid       string
	ParentCallSid string

	// Status is the parsed status; StatusKnown is false when the provider
	// sent a value outside the known vocabulary (kept in RawStatus).
	Status      calls.CallStatus
	StatusKnown bool
	RawStatus   string

	From      string
	To        string
	Direction calls.Direction

	// EventTime is the provider event time, or the normalizer's clock when
	// the payload carried none.
	EventTime time.Time

	DurationSeconds int
	PriceMicro      int64
	Currency        string

	// SequenceNumber orders callbacks within one call when present; -1
	// when the provider did not send one.
	SequenceNumber int

	// RecordingSid/QueueSid carry ancillary callback metadata.
	RecordingSid string
	QueueSid     string

	// Raw is the original payload JSON, persisted for audit.
	Raw string
}

// RecordingStatus is the provider's recording lifecycle vocabulary.
type RecordingStatus string

const (
	RecordingInProgress RecordingStatus = "in-progress"
	RecordingCompleted  RecordingStatus = "completed"
	RecordingAbsent     RecordingStatus = "absent"
	RecordingFailed     RecordingStatus = "failed"
)

// RecordingEvent is a normalized recording status notification.
type RecordingEvent struct {
	RecordingSid string
	CallSid      string

	Status RecordingStatus

	DurationSeconds int
	URL             string
	Track           string

	EventTime time.Time
	Raw       string
}

// TranscriptStatus is the provider's transcription lifecycle vocabulary.
type TranscriptStatus string

const (
	TranscriptCompleted TranscriptStatus = "completed"
	TranscriptFailed    TranscriptStatus = "failed"
)

// TranscriptEvent is a normalized transcription notification.
type TranscriptEvent struct {
	TranscriptionSid string
	CallSid          string

	Status TranscriptStatus

	Text       string
	Confidence float64
	Language   string

	EventTime time.Time
	Raw       string
}
