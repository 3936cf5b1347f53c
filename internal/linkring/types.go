package linkring

import "fmt"

// Status tags every Outcome returned by the Coordinator.
type Status string

const (
	StatusOK          Status = "ok"
	StatusBadURL      Status = "bad_url"
	StatusNoKey       Status = "no_key"
	StatusAuthError   Status = "auth_error"
	StatusRateLimited Status = "rate_limited"
	StatusSubmitError Status = "submit_error"
	StatusReportError Status = "report_error"
	StatusException   Status = "exception"
)

type Verdict string

const (
	VerdictMalicious  Verdict = "malicious"
	VerdictSuspicious Verdict = "suspicious"
	VerdictClean      Verdict = "clean"
	VerdictUnknown    Verdict = "unknown"
)

// Stats are the vendor detection counts, zero-defaulted.
type Stats struct {
	Harmless   int `json:"harmless"`
	Undetected int `json:"undetected"`
	Suspicious int `json:"suspicious"`
	Malicious  int `json:"malicious"`
	Timeout    int `json:"timeout"`
}

// Ring is the scored reputation of one URL.
type Ring struct {
	Score   int     `json:"score"`
	Total   int     `json:"total"`
	Verdict Verdict `json:"verdict"`
	Stats   Stats   `json:"stats"`
}

// Report is what a successful lookup yields and what the cache stores.
type Report struct {
	Ring Ring `json:"ring"`
	// AnalysisDate is unix seconds; nil when the service did not report one.
	AnalysisDate *int64 `json:"analysisDate"`
}

// Outcome is the result of a single check as delivered to the UI.
type Outcome struct {
	Status       Status `json:"status"`
	Ring         *Ring  `json:"ring,omitempty"`
	AnalysisDate *int64 `json:"analysisDate,omitempty"`
	Cached       bool   `json:"cached"`
	Code         int    `json:"code,omitempty"`
	Detail       any    `json:"detail,omitempty"`
}

func okOutcome(rep Report, cached bool) Outcome {
	ring := rep.Ring
	return Outcome{
		Status:       StatusOK,
		Ring:         &ring,
		AnalysisDate: rep.AnalysisDate,
		Cached:       cached,
	}
}

// StatusError is a lookup failure the UI renders by status rather than as a fault.
type StatusError struct {
	Status Status
	// Code is the HTTP status code returned by the reputation service.
	Code int
	// Detail is the parsed JSON body when it parsed, else the raw text.
	Detail any
}

func (e *StatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (http %d)", e.Status, e.Code)
	}
	return string(e.Status)
}

func (e *StatusError) outcome() Outcome {
	return Outcome{Status: e.Status, Code: e.Code, Detail: e.Detail}
}
