package intake

import (
	"encoding/json"
	"net/http"
	"strings"

	"callsync/internal/events"
	"callsync/internal/inbox"
	"callsync/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers land provider webhooks in the durable inbox.
//
// No business logic here: parse the form, build the idempotency key,
// insert. A duplicate delivery inserts nothing and still returns 204;
// the provider must never retry because of a duplicate.
//
// Signature validation belongs to the gateway layer in front of this
// service and is deliberately absent.
type Handlers struct {
	Inbox inbox.Repository
}

// Voice handles voice status callbacks.
// The key collapses provider retries of the same lifecycle step:
// CallSid + status + sequence number (timestamp when no sequence).
func (h Handlers) Voice(c *gin.Context) {
	h.land(c, events.SourceVoice, "call-status", func(f map[string]string) string {
		sid := f["CallSid"]
		if sid == "" {
			return ""
		}
		seq := f["SequenceNumber"]
		if seq == "" {
			seq = f["Timestamp"]
		}
		return strings.Join([]string{sid, f["CallStatus"], seq}, ":")
	})
}

// Recording handles recording status callbacks.
func (h Handlers) Recording(c *gin.Context) {
	h.land(c, events.SourceRecording, "recording-status", func(f map[string]string) string {
		if f["CallSid"] == "" || f["RecordingSid"] == "" {
			return ""
		}
		return f["RecordingSid"] + ":" + f["RecordingStatus"]
	})
}

// Transcription handles transcription callbacks.
func (h Handlers) Transcription(c *gin.Context) {
	h.land(c, events.SourceTranscription, "transcription-status", func(f map[string]string) string {
		if f["CallSid"] == "" || f["TranscriptionSid"] == "" {
			return ""
		}
		return f["TranscriptionSid"] + ":" + f["TranscriptionStatus"]
	})
}

func (h Handlers) land(c *gin.Context, source events.Source, eventType string, keyFn func(map[string]string) string) {
	log := logger.FromGin(c)

	if err := c.Request.ParseForm(); err != nil {
		log.Warn("webhook parse failed", "source", source, "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	fields := make(map[string]string, len(c.Request.PostForm))
	for k, vs := range c.Request.PostForm {
		if len(vs) > 0 {
			fields[k] = vs[0]
		}
	}

	key := keyFn(fields)
	if key == "" {
		log.Warn("webhook missing identifiers", "source", source)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing identifiers"})
		return
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	stored, err := h.Inbox.Insert(c.Request.Context(), inbox.InboxEvent{
		Source:         source,
		EventType:      eventType,
		IdempotencyKey: key,
		Payload:        string(payload),
	})
	if err != nil {
		log.Error("inbox insert failed", "source", source, "key", key, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if stored == nil {
		log.Debug("duplicate webhook dropped", "source", source, "key", key)
	}

	c.Status(http.StatusNoContent)
}
