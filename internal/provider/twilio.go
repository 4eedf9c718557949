package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultBaseURL  = "https://api.twilio.com"
	defaultPageSize = 50
)

// TwilioClient implements Client against the Twilio 2010-04-01 REST API.
//
// Transient failures (timeouts, 5xx, 429) are retried with backoff by
// resty; a 404 maps to ErrCallNotFound and is never retried.
type TwilioClient struct {
	http       *resty.Client
	accountSID string
	pageSize   int
}

// TwilioOptions configures the REST client. BaseURL is overridable for
// tests; zero values fall back to defaults.
type TwilioOptions struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	Timeout    time.Duration
	PageSize   int
}

func NewTwilioClient(opts TwilioOptions) (*TwilioClient, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, fmt.Errorf("provider: twilio account sid and auth token are required")
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	c := resty.New().
		SetBaseURL(baseURL).
		SetBasicAuth(opts.AccountSID, opts.AuthToken).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &TwilioClient{http: c, accountSID: opts.AccountSID, pageSize: pageSize}, nil
}

// twilioCall is the provider's call resource shape (subset).
type twilioCall struct {
	Sid           string `json:"sid"`
	ParentCallSid string `json:"parent_call_sid"`
	Status        string `json:"status"`
	From          string `json:"from"`
	To            string `json:"to"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Duration      string `json:"duration"`
	Price         string `json:"price"`
	PriceUnit     string `json:"price_unit"`
}

type twilioCallPage struct {
	Calls       []twilioCall `json:"calls"`
	NextPageURI string       `json:"next_page_uri"`
}

func (c *TwilioClient) FetchCall(ctx context.Context, sid string) (CallDetail, error) {
	var out twilioCall
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", c.accountSID, sid))
	if err != nil {
		return CallDetail{}, fmt.Errorf("provider: fetch call %s: %w", sid, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return CallDetail{}, fmt.Errorf("fetch call %s: %w", sid, ErrCallNotFound)
	}
	if resp.IsError() {
		return CallDetail{}, fmt.Errorf("provider: fetch call %s: status %d", sid, resp.StatusCode())
	}
	return toCallDetail(out, resp.Body()), nil
}

func (c *TwilioClient) ListCalls(ctx context.Context, start, end time.Time, page int) ([]CallDetail, bool, error) {
	var out twilioCallPage
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetQueryParams(map[string]string{
			"StartTime>": start.UTC().Format("2006-01-02"),
			"StartTime<": end.UTC().Format("2006-01-02"),
			"PageSize":   strconv.Itoa(c.pageSize),
			"Page":       strconv.Itoa(page),
		}).
		Get(fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", c.accountSID))
	if err != nil {
		return nil, false, fmt.Errorf("provider: list calls: %w", err)
	}
	if resp.IsError() {
		return nil, false, fmt.Errorf("provider: list calls: status %d", resp.StatusCode())
	}

	details := make([]CallDetail, 0, len(out.Calls))
	for _, tc := range out.Calls {
		details = append(details, toCallDetail(tc, nil))
	}
	return details, out.NextPageURI != "", nil
}

func toCallDetail(tc twilioCall, raw []byte) CallDetail {
	d := CallDetail{
		Sid:           tc.Sid,
		ParentCallSid: tc.ParentCallSid,
		Status:        tc.Status,
		From:          tc.From,
		To:            tc.To,
		Price:         tc.Price,
		PriceUnit:     tc.PriceUnit,
		Raw:           string(raw),
	}
	if n, err := strconv.Atoi(strings.TrimSpace(tc.Duration)); err == nil {
		d.DurationSeconds = n
	}
	if t, ok := parseTwilioTime(tc.StartTime); ok {
		d.StartTime = &t
	}
	if t, ok := parseTwilioTime(tc.EndTime); ok {
		d.EndTime = &t
	}
	return d
}

// parseTwilioTime parses the REST API's RFC1123Z timestamps.
func parseTwilioTime(raw string) (time.Time, bool) {
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
