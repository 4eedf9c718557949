package intake

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"callsync/internal/inbox"

	"github.com/gin-gonic/gin"
)

func newRouter(repo inbox.Repository) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := Handlers{Inbox: repo}
	r.POST("/webhooks/twilio/voice", h.Voice)
	r.POST("/webhooks/twilio/recording", h.Recording)
	r.POST("/webhooks/twilio/transcription", h.Transcription)
	return r
}

func postForm(t *testing.T, r http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestVoice_LandsEvent(t *testing.T) {
	repo := inbox.NewMemoryRepository()
	r := newRouter(repo)

	w := postForm(t, r, "/webhooks/twilio/voice", url.Values{
		"CallSid":        {"CA1"},
		"CallStatus":     {"ringing"},
		"SequenceNumber": {"2"},
		"From":           {"+15550001"},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	batch, err := repo.ClaimBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 event, got %d", len(batch))
	}
	if batch[0].IdempotencyKey != "CA1:ringing:2" {
		t.Fatalf("unexpected key %q", batch[0].IdempotencyKey)
	}
	if !strings.Contains(batch[0].Payload, `"CallSid":"CA1"`) {
		t.Fatalf("payload missing CallSid: %s", batch[0].Payload)
	}
}

func TestVoice_DuplicateStillAccepted(t *testing.T) {
	repo := inbox.NewMemoryRepository()
	r := newRouter(repo)

	form := url.Values{
		"CallSid":        {"CA1"},
		"CallStatus":     {"completed"},
		"SequenceNumber": {"5"},
	}
	if w := postForm(t, r, "/webhooks/twilio/voice", form); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := postForm(t, r, "/webhooks/twilio/voice", form); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on duplicate, got %d", w.Code)
	}

	batch, err := repo.ClaimBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected duplicate collapsed to 1 event, got %d", len(batch))
	}
}

func TestVoice_MissingCallSidRejected(t *testing.T) {
	r := newRouter(inbox.NewMemoryRepository())
	w := postForm(t, r, "/webhooks/twilio/voice", url.Values{"CallStatus": {"ringing"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRecording_KeyFromRecordingSid(t *testing.T) {
	repo := inbox.NewMemoryRepository()
	r := newRouter(repo)

	w := postForm(t, r, "/webhooks/twilio/recording", url.Values{
		"CallSid":         {"CA1"},
		"RecordingSid":    {"RE1"},
		"RecordingStatus": {"completed"},
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	batch, _ := repo.ClaimBatch(context.Background(), 1)
	if len(batch) != 1 || batch[0].IdempotencyKey != "RE1:completed" {
		t.Fatalf("unexpected batch %+v", batch)
	}
}

func TestTranscription_MissingSidRejected(t *testing.T) {
	r := newRouter(inbox.NewMemoryRepository())
	w := postForm(t, r, "/webhooks/twilio/transcription", url.Values{"CallSid": {"CA1"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}
