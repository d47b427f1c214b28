// Package meter holds the running aggregates reported during training.
// Every meter can be combined across workers with Sync.
package meter

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/collective"
)

// AverageValueMeter is a weighted running mean.
type AverageValueMeter struct {
	sum       float64
	weightSum float64
	count     float64
}

// Add accumulates val with weight 1.
func (m *AverageValueMeter) Add(val float64) {
	m.AddWeighted(val, 1)
}

func (m *AverageValueMeter) AddWeighted(val, weight float64) {
	m.sum += val * weight
	m.weightSum += weight
	m.count++
}

// Value is the weighted mean, or 0 before anything was added.
func (m *AverageValueMeter) Value() float64 {
	if m.weightSum == 0 {
		return 0
	}
	return m.sum / m.weightSum
}

func (m *AverageValueMeter) Count() float64 { return m.count }

func (m *AverageValueMeter) Reset() {
	*m = AverageValueMeter{}
}

func (m *AverageValueMeter) Sync(c collective.Communicator) error {
	buf := []float64{m.sum, m.weightSum, m.count}
	if err := c.AllReduceSum64(buf); err != nil {
		return errors.Wrap(err, "sync average meter")
	}
	m.sum, m.weightSum, m.count = buf[0], buf[1], buf[2]
	return nil
}

// CountMeter counts events.
type CountMeter struct {
	n int64
}

func (m *CountMeter) Add(n int64)  { m.n += n }
func (m *CountMeter) Value() int64 { return m.n }
func (m *CountMeter) Reset()       { m.n = 0 }

func (m *CountMeter) Sync(c collective.Communicator) error {
	buf := []float64{float64(m.n)}
	if err := c.AllReduceSum64(buf); err != nil {
		return errors.Wrap(err, "sync count meter")
	}
	m.n = int64(buf[0])
	return nil
}

// EditDistanceMeter accumulates Levenshtein alignments of predictions
// against references.
type EditDistanceMeter struct {
	N   int64 // reference length
	Ins int64
	Del int64
	Sub int64
}

// Add aligns prediction against target.
func (m *EditDistanceMeter) Add(prediction, target []string) {
	ins, del, sub := levenshtein(prediction, target)
	m.N += int64(len(target))
	m.Ins += ins
	m.Del += del
	m.Sub += sub
}

// ErrorRate is 100 * edits / reference length.
func (m *EditDistanceMeter) ErrorRate() float64 {
	if m.N == 0 {
		if m.Ins+m.Del+m.Sub > 0 {
			return 100
		}
		return 0
	}
	return 100 * float64(m.Ins+m.Del+m.Sub) / float64(m.N)
}

func (m *EditDistanceMeter) Reset() {
	*m = EditDistanceMeter{}
}

func (m *EditDistanceMeter) Sync(c collective.Communicator) error {
	buf := []float64{float64(m.N), float64(m.Ins), float64(m.Del), float64(m.Sub)}
	if err := c.AllReduceSum64(buf); err != nil {
		return errors.Wrap(err, "sync edit distance meter")
	}
	m.N, m.Ins, m.Del, m.Sub = int64(buf[0]), int64(buf[1]), int64(buf[2]), int64(buf[3])
	return nil
}

// levenshtein returns the insertions, deletions and substitutions of one
// minimal alignment turning target into pred.
func levenshtein(pred, target []string) (ins, del, sub int64) {
	type cell struct{ cost, ins, del, sub int64 }
	prev := make([]cell, len(pred)+1)
	cur := make([]cell, len(pred)+1)
	for j := range prev {
		prev[j] = cell{cost: int64(j), ins: int64(j)}
	}
	for i := 1; i <= len(target); i++ {
		cur[0] = cell{cost: int64(i), del: int64(i)}
		for j := 1; j <= len(pred); j++ {
			if target[i-1] == pred[j-1] {
				cur[j] = prev[j-1]
				continue
			}
			best := prev[j-1]
			op := &best.sub
			if prev[j].cost < best.cost {
				best = prev[j]
				op = &best.del
			}
			if cur[j-1].cost < best.cost {
				best = cur[j-1]
				op = &best.ins
			}
			*op++
			best.cost++
			cur[j] = best
		}
		prev, cur = cur, prev
	}
	last := prev[len(pred)]
	return last.ins, last.del, last.sub
}

// DatasetMeters groups the per-dataset ASR meters.
type DatasetMeters struct {
	TknEdit EditDistanceMeter
	WrdEdit EditDistanceMeter
	Loss    AverageValueMeter
}

func (d *DatasetMeters) Reset() {
	d.TknEdit.Reset()
	d.WrdEdit.Reset()
	d.Loss.Reset()
}

func (d *DatasetMeters) Sync(c collective.Communicator) error {
	if err := d.TknEdit.Sync(c); err != nil {
		return err
	}
	if err := d.WrdEdit.Sync(c); err != nil {
		return err
	}
	return d.Loss.Sync(c)
}
