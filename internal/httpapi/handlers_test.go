package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callsync/internal/calls"
	"callsync/internal/snapshot"

	"github.com/gin-gonic/gin"
)

func newRouter(store snapshot.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := Handlers{Store: store}
	r.GET("/calls/:call_sid", h.GetCall)
	r.GET("/calls/:call_sid/events", h.GetCallEvents)
	r.GET("/calls/:call_sid/legs", h.GetCallLegs)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetCall(t *testing.T) {
	store := snapshot.NewMemoryStore()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := store.UpsertGuarded(context.Background(), snapshot.UpsertFields{
		CallSid:   "CA1",
		Status:    calls.CallStatusCompleted,
		EventTime: at,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	r := newRouter(store)

	w := get(r, "/calls/CA1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap calls.CallSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.CallSid != "CA1" || snap.Status != calls.CallStatusCompleted {
		t.Fatalf("unexpected body %+v", snap)
	}

	if w := get(r, "/calls/CA_missing"); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetCallEvents(t *testing.T) {
	store := snapshot.NewMemoryStore()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, typ := range []string{"voice:ringing", "voice:completed"} {
		if err := store.AppendEvent(context.Background(), calls.CallEventLog{
			CallSid:   "CA1",
			Type:      typ,
			EventTime: at.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	r := newRouter(store)

	w := get(r, "/calls/CA1/events")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Events []calls.CallEventLog `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 2 || body.Events[0].Type != "voice:ringing" {
		t.Fatalf("unexpected events %+v", body.Events)
	}
}

func TestGetCallLegs(t *testing.T) {
	store := snapshot.NewMemoryStore()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, sid := range []string{"CA1-a", "CA1-b"} {
		if _, err := store.UpsertGuarded(context.Background(), snapshot.UpsertFields{
			CallSid:       sid,
			ParentCallSid: "CA1",
			Status:        calls.CallStatusRinging,
			EventTime:     at,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	r := newRouter(store)

	w := get(r, "/calls/CA1/legs")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Legs []calls.CallSnapshot `json:"legs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Legs) != 2 || body.Legs[0].CallSid != "CA1-a" {
		t.Fatalf("unexpected legs %+v", body.Legs)
	}
}
