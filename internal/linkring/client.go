package linkring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://www.virustotal.com/api/v3"
	defaultMaxBody = 2 << 20
)

// Lookuper resolves a URL to a scored Report. Failures the UI should render
// by status are returned as *StatusError.
type Lookuper interface {
	Lookup(ctx context.Context, target, apiKey string) (Report, error)
}

type ClientConfig struct {
	BaseURL string
	// Timeout of zero leaves upstream calls to the transport's own behaviour.
	Timeout time.Duration
	MaxBody int64
}

// Client speaks the two-step submit/report protocol of the reputation service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxBody    int64
}

func NewClient(cfg ClientConfig) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxBody:    maxBody,
	}
}

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) ok() bool { return r.status >= 200 && r.status < 300 }

// detail is the parsed body when it is JSON, else the raw text.
func (r apiResponse) detail() any {
	trimmed := bytes.TrimSpace(r.body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return string(r.body)
}

type submitBody struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type reportBody struct {
	Data struct {
		Attributes struct {
			LastAnalysisStats map[string]any `json:"last_analysis_stats"`
			LastAnalysisDate  any            `json:"last_analysis_date"`
		} `json:"attributes"`
	} `json:"data"`
}

// Lookup submits target for analysis and fetches the resulting report.
func (c *Client) Lookup(ctx context.Context, target, apiKey string) (Report, error) {
	id, err := c.submit(ctx, target, apiKey)
	if err != nil {
		return Report{}, err
	}
	return c.report(ctx, id, apiKey)
}

func (c *Client) submit(ctx context.Context, target, apiKey string) (string, error) {
	form := url.Values{}
	form.Set("url", target)

	resp, err := c.do(ctx, http.MethodPost, "/urls", apiKey, form)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if err := classify(resp, StatusSubmitError); err != nil {
		return "", err
	}

	var body submitBody
	if err := json.Unmarshal(resp.body, &body); err != nil || strings.TrimSpace(body.Data.ID) == "" {
		return "", &StatusError{Status: StatusSubmitError, Code: resp.status, Detail: resp.detail()}
	}
	return body.Data.ID, nil
}

func (c *Client) report(ctx context.Context, id, apiKey string) (Report, error) {
	resp, err := c.do(ctx, http.MethodGet, "/urls/"+url.PathEscape(id), apiKey, nil)
	if err != nil {
		return Report{}, fmt.Errorf("report: %w", err)
	}
	if err := classify(resp, StatusReportError); err != nil {
		return Report{}, err
	}

	// Only an object is a report; null or a scalar would decode to an empty one.
	if !bytes.HasPrefix(bytes.TrimSpace(resp.body), []byte("{")) {
		return Report{}, &StatusError{Status: StatusReportError, Code: resp.status, Detail: resp.detail()}
	}
	var body reportBody
	dec := json.NewDecoder(bytes.NewReader(resp.body))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return Report{}, &StatusError{Status: StatusReportError, Code: resp.status, Detail: resp.detail()}
	}

	attrs := body.Data.Attributes
	return Report{
		Ring:         ComputeRing(attrs.LastAnalysisStats),
		AnalysisDate: unixSeconds(attrs.LastAnalysisDate),
	}, nil
}

func (c *Client) do(ctx context.Context, method, path, apiKey string, form url.Values) (apiResponse, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apiResponse{}, err
	}
	req.Header.Set("x-apikey", apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return apiResponse{}, err
	}
	return apiResponse{status: resp.StatusCode, body: b}, nil
}

// classify maps a non-2xx response to its StatusError; generic is used for
// anything that is neither an auth failure nor rate limiting.
func classify(resp apiResponse, generic Status) error {
	if resp.ok() {
		return nil
	}
	switch resp.status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &StatusError{Status: StatusAuthError, Code: resp.status}
	case http.StatusTooManyRequests:
		return &StatusError{Status: StatusRateLimited, Code: resp.status}
	default:
		return &StatusError{Status: generic, Code: resp.status, Detail: resp.detail()}
	}
}

func unixSeconds(v any) *int64 {
	var sec int64
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return nil
			}
			i = int64(f)
		}
		sec = i
	case float64:
		sec = int64(n)
	default:
		return nil
	}
	return &sec
}
