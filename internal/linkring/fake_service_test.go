package linkring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeService mimics the reputation service's /urls endpoints.
type fakeService struct {
	t *testing.T

	submitStatus int
	submitBody   string
	reportStatus int
	reportBody   string

	// gate, when set, blocks submissions until closed.
	gate chan struct{}
	// entered receives once per submission that reached the handler.
	entered chan struct{}

	submits atomic.Int32
	reports atomic.Int32

	mu        sync.Mutex
	submitted []string
	reportIDs []string
	headers   []http.Header
}

const defaultReportBody = `{"data":{"attributes":{"last_analysis_date":1700000000,` +
	`"last_analysis_stats":{"harmless":10,"malicious":1,"suspicious":0,"undetected":5,"timeout":0}}}}`

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	f := &fakeService{
		t:            t,
		submitStatus: http.StatusOK,
		submitBody:   `{"data":{"type":"analysis","id":"u-abc/123=="}}`,
		reportStatus: http.StatusOK,
		reportBody:   defaultReportBody,
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeService) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.headers = append(f.headers, r.Header.Clone())
	f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/urls":
		f.submits.Add(1)
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		f.mu.Lock()
		f.submitted = append(f.submitted, form.Get("url"))
		f.mu.Unlock()
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		if f.gate != nil {
			<-f.gate
		}
		w.WriteHeader(f.submitStatus)
		_, _ = io.WriteString(w, f.submitBody)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/urls/"):
		f.reports.Add(1)
		f.mu.Lock()
		f.reportIDs = append(f.reportIDs, strings.TrimPrefix(r.URL.EscapedPath(), "/urls/"))
		f.mu.Unlock()
		w.WriteHeader(f.reportStatus)
		_, _ = io.WriteString(w, f.reportBody)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeService) calls() (submits, reports int) {
	return int(f.submits.Load()), int(f.reports.Load())
}

func (f *fakeService) snapshot() (submitted, reportIDs []string, headers []http.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...), append([]string(nil), f.reportIDs...), append([]http.Header(nil), f.headers...)
}
