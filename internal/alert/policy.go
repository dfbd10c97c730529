package alert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
)

// Suspicious is the threat type of labels missing from the threat table.
const Suspicious = "suspicious"

var threatTable = map[string]string{
	"Robbery":     "Robbery",
	"Vandalism":   "Vandalism",
	"Shoplifting": "Shoplifting",
	"Burglary":    "Burglary",
	"Stealing":    "Stealing",
}

// ThreatType maps a model label to its canonical threat type. Unknown
// labels, including "normal" when a batch run alerts on it, map to
// Suspicious.
func ThreatType(label string) string {
	if t, ok := threatTable[label]; ok {
		return t
	}
	return Suspicious
}

// LiveAccepts reports whether a live prediction should raise an alert:
// the label is not "normal" and the confidence is strictly above threshold.
func LiveAccepts(p classify.Prediction, threshold float64) bool {
	return !strings.EqualFold(p.Label, "normal") && p.Confidence > threshold
}

// SelectTop returns the n most confident detections, ties broken by the
// lower frame number. The input slice is not reordered.
func SelectTop(detections []Detection, n int) []Detection {
	idx := SelectTopIndices(detections, n)
	out := make([]Detection, len(idx))
	for i, j := range idx {
		out[i] = detections[j]
	}
	return out
}

// SelectTopIndices is SelectTop returning positions in detections, so
// callers can tell apart windows that share a frame number.
func SelectTopIndices(detections []Detection, n int) []int {
	idx := make([]int, len(detections))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := detections[idx[i]].Prediction, detections[idx[j]].Prediction
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.FrameNumber < b.FrameNumber
	})
	if n < 0 {
		n = 0
	}
	return idx[:min(n, len(idx))]
}

// FormatVideoTime formats an offset in seconds as HH:MM:SS.mmm, truncating
// sub-millisecond precision.
func FormatVideoTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(seconds*1e6) / 1000
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000)
}
