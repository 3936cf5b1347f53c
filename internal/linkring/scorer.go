package linkring

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ComputeRing scores raw last_analysis_stats. Missing, non-numeric and
// negative counts are treated as zero.
func ComputeRing(raw map[string]any) Ring {
	st := Stats{
		Harmless:   countOf(raw["harmless"]),
		Undetected: countOf(raw["undetected"]),
		Suspicious: countOf(raw["suspicious"]),
		Malicious:  countOf(raw["malicious"]),
		Timeout:    countOf(raw["timeout"]),
	}
	return scoreStats(st)
}

func scoreStats(st Stats) Ring {
	total := st.Harmless + st.Undetected + st.Suspicious + st.Malicious + st.Timeout

	// order matters: malicious > suspicious > clean > unknown
	verdict := VerdictUnknown
	switch {
	case st.Malicious > 0:
		verdict = VerdictMalicious
	case st.Suspicious > 0:
		verdict = VerdictSuspicious
	case total > 0:
		verdict = VerdictClean
	}

	return Ring{
		Score:   st.Harmless + st.Undetected,
		Total:   total,
		Verdict: verdict,
		Stats:   st,
	}
}

func countOf(v any) int {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		x, err := n.Float64()
		if err != nil {
			return 0
		}
		f = x
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		f = x
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}
