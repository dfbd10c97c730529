package classify

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Prediction is the result of classifying one window.
type Prediction struct {
	Label      string
	ClassIndex int
	// Confidence is the arg-max probability scaled to [0, 100]
	Confidence float64
	// Probabilities is the softmax distribution, aligned with the label set
	Probabilities []float64
	// FrameNumber is the number of frames submitted when the window closed (1-based)
	FrameNumber uint64
	// Labels is the label set the distribution refers to
	Labels []string
}

// LabelProbability is one entry of Prediction.Top.
type LabelProbability struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Top returns the n most probable labels with probabilities scaled to
// percent, highest first. Equal probabilities keep label order.
func (p Prediction) Top(n int) []LabelProbability {
	out := make([]LabelProbability, 0, len(p.Probabilities))
	for i, prob := range p.Probabilities {
		label := fmt.Sprintf("class_%d", i)
		if i < len(p.Labels) {
			label = p.Labels[i]
		}
		out = append(out, LabelProbability{Label: label, Probability: prob * 100})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Probability > out[j].Probability
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

var errEmptyScores = errors.New("empty score vector")

// softmax converts raw model scores into a probability distribution.
func softmax(scores []float64) ([]float64, error) {
	if len(scores) == 0 {
		return nil, errEmptyScores
	}
	maxScore := math.Inf(-1)
	for _, s := range scores {
		if math.IsNaN(s) {
			return nil, fmt.Errorf("score vector contains NaN")
		}
		maxScore = max(maxScore, s)
	}
	if math.IsInf(maxScore, 0) {
		return nil, fmt.Errorf("score vector is not finite")
	}

	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

// argmax returns the index of the largest value; the first one wins on ties.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// newPrediction builds a Prediction from raw scores.
func newPrediction(scores []float64, labels []string, frameNumber uint64) (Prediction, error) {
	if len(scores) != len(labels) {
		return Prediction{}, fmt.Errorf("model returned %d scores for %d labels", len(scores), len(labels))
	}
	probs, err := softmax(scores)
	if err != nil {
		return Prediction{}, err
	}
	idx := argmax(probs)
	conf := math.Min(100, math.Max(0, probs[idx]*100))
	return Prediction{
		Label:         labels[idx],
		ClassIndex:    idx,
		Confidence:    conf,
		Probabilities: probs,
		FrameNumber:   frameNumber,
		Labels:        labels,
	}, nil
}
