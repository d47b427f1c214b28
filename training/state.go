package training

// State holds the loop counters. BatchIdx grows by one per completed
// update and drives every schedule decision.
type State struct {
	ASREpoch int64
	LMEpoch  int64
	BatchIdx int64
}

// BestMetrics records the best validation value seen per tag: word error
// rate for ASR sets, loss for LM sets.
type BestMetrics struct {
	ASRValidWER map[string]float64
	LMValidLoss map[string]float64
}

func NewBestMetrics() BestMetrics {
	return BestMetrics{ASRValidWER: map[string]float64{}, LMValidLoss: map[string]float64{}}
}

// improve stores v for tag when no value was recorded yet or v is strictly
// lower, and reports whether it did.
func improve(best map[string]float64, tag string, v float64) bool {
	if old, ok := best[tag]; ok && v >= old {
		return false
	}
	best[tag] = v
	return true
}

// UpdateASR records an ASR word error rate observation.
func (b BestMetrics) UpdateASR(tag string, wer float64) bool {
	return improve(b.ASRValidWER, tag, wer)
}

// UpdateLM records an LM loss observation.
func (b BestMetrics) UpdateLM(tag string, loss float64) bool {
	return improve(b.LMValidLoss, tag, loss)
}
