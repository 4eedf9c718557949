package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*TwilioClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewTwilioClient(TwilioOptions{
		AccountSID: "AC_test",
		AuthToken:  "secret",
		BaseURL:    srv.URL,
		Timeout:    2 * time.Second,
		PageSize:   2,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c, srv
}

func TestFetchCall(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC_test/Calls/CA1.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC_test" || pass != "secret" {
			t.Errorf("missing basic auth")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sid":        "CA1",
			"status":     "completed",
			"from":       "+15550001",
			"to":         "+15550002",
			"start_time": "Mon, 03 Mar 2025 14:00:00 +0000",
			"end_time":   "Mon, 03 Mar 2025 14:01:30 +0000",
			"duration":   "90",
			"price":      "-0.0085",
			"price_unit": "USD",
		})
	}))

	d, err := c.FetchCall(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if d.Sid != "CA1" || d.Status != "completed" || d.DurationSeconds != 90 {
		t.Fatalf("unexpected detail %+v", d)
	}
	wantEnd := time.Date(2025, 3, 3, 14, 1, 30, 0, time.UTC)
	if d.EndTime == nil || !d.EndTime.Equal(wantEnd) {
		t.Fatalf("end time %v", d.EndTime)
	}
	if d.Raw == "" {
		t.Fatal("raw body not captured")
	}
}

func TestFetchCall_NotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.FetchCall(context.Background(), "CA_missing")
	if !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestFetchCall_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"sid": "CA1", "status": "ringing"})
	}))

	d, err := c.FetchCall(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if d.Status != "ringing" {
		t.Fatalf("unexpected detail %+v", d)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestListCalls_Paging(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("PageSize") != "2" {
			t.Errorf("page size %q", q.Get("PageSize"))
		}
		if q.Get("StartTime>") == "" || q.Get("StartTime<") == "" {
			t.Errorf("date range params missing: %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		switch q.Get("Page") {
		case "0":
			json.NewEncoder(w).Encode(map[string]any{
				"calls": []map[string]any{
					{"sid": "CA1", "status": "completed"},
					{"sid": "CA2", "status": "no-answer"},
				},
				"next_page_uri": "/2010-04-01/Accounts/AC_test/Calls.json?Page=1",
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"calls":         []map[string]any{{"sid": "CA3", "status": "failed"}},
				"next_page_uri": "",
			})
		}
	}))

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	details, more, err := c.ListCalls(context.Background(), start, end, 0)
	if err != nil {
		t.Fatalf("list page 0: %v", err)
	}
	if len(details) != 2 || !more {
		t.Fatalf("page 0: %d details, more=%v", len(details), more)
	}

	details, more, err = c.ListCalls(context.Background(), start, end, 1)
	if err != nil {
		t.Fatalf("list page 1: %v", err)
	}
	if len(details) != 1 || more {
		t.Fatalf("page 1: %d details, more=%v", len(details), more)
	}
	if details[0].Sid != "CA3" {
		t.Fatalf("unexpected sid %q", details[0].Sid)
	}
}

func TestNewTwilioClient_RequiresCredentials(t *testing.T) {
	if _, err := NewTwilioClient(TwilioOptions{}); err == nil {
		t.Fatal("expected error without credentials")
	}
}
