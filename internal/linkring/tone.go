package linkring

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

type Tone string

const (
	ToneRed    Tone = "red"
	ToneYellow Tone = "yellow"
	ToneGreen  Tone = "green"
	ToneGrey   Tone = "grey"
)

// Thresholds are the user's ring colour cut-offs from the options page.
type Thresholds struct {
	MaliciousRed     int `json:"maliciousRed"`
	SuspiciousYellow int `json:"suspiciousYellow"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{MaliciousRed: 2, SuspiciousYellow: 2}
}

// Clamp replaces negative values with their defaults.
func (t Thresholds) Clamp() Thresholds {
	def := DefaultThresholds()
	if t.MaliciousRed < 0 {
		t.MaliciousRed = def.MaliciousRed
	}
	if t.SuspiciousYellow < 0 {
		t.SuspiciousYellow = def.SuspiciousYellow
	}
	return t
}

// ToneFor colours a ring. It never changes the verdict itself.
func ToneFor(r Ring, t Thresholds) Tone {
	if r.Verdict == VerdictUnknown {
		return ToneGrey
	}
	m, s := r.Stats.Malicious, r.Stats.Suspicious
	switch {
	case m > 0 && m >= t.MaliciousRed:
		return ToneRed
	case m > 0:
		return ToneYellow
	case s > 0 && s >= t.SuspiciousYellow:
		return ToneYellow
	default:
		return ToneGreen
	}
}

// parseThreshold accepts numbers or numeric strings; anything else, including
// negatives, yields fallback.
func parseThreshold(v any, fallback int) int {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case json.Number:
		x, err := n.Float64()
		if err != nil {
			return fallback
		}
		f = x
	case string:
		x, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return fallback
		}
		f = float64(x)
	default:
		return fallback
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt32 {
		return fallback
	}
	return int(f)
}
