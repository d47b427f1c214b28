package meter

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/tsawler/go-joint/collective"
)

// TimeMeter measures elapsed wall time. In unit mode Value is seconds per
// counted unit, otherwise total seconds.
type TimeMeter struct {
	clock   clockwork.Clock
	unit    bool
	running bool
	start   time.Time
	elapsed time.Duration
	units   int64
	synced  *float64
}

func NewTimeMeter(clock clockwork.Clock, unit bool) *TimeMeter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TimeMeter{clock: clock, unit: unit}
}

// Resume starts the timer if it is stopped.
func (m *TimeMeter) Resume() {
	if m.running {
		return
	}
	m.start = m.clock.Now()
	m.running = true
}

// Stop pauses the timer, keeping the elapsed time.
func (m *TimeMeter) Stop() {
	if !m.running {
		return
	}
	m.elapsed += m.clock.Since(m.start)
	m.running = false
}

func (m *TimeMeter) IncUnit() { m.units++ }

func (m *TimeMeter) StopAndIncUnit() {
	m.Stop()
	m.IncUnit()
}

// Reset clears the accumulated time. A running timer keeps running from now.
func (m *TimeMeter) Reset() {
	m.elapsed = 0
	m.units = 0
	m.synced = nil
	if m.running {
		m.start = m.clock.Now()
	}
}

func (m *TimeMeter) local() float64 {
	d := m.elapsed
	if m.running {
		d += m.clock.Since(m.start)
	}
	s := d.Seconds()
	if m.unit {
		if m.units == 0 {
			return 0
		}
		return s / float64(m.units)
	}
	return s
}

// Value is the synced value if Sync ran since the last Reset, else the local
// one.
func (m *TimeMeter) Value() float64 {
	if m.synced != nil {
		return *m.synced
	}
	return m.local()
}

// Sync replaces the value with its mean across workers.
func (m *TimeMeter) Sync(c collective.Communicator) error {
	buf := []float64{m.local()}
	if err := c.AllReduceSum64(buf); err != nil {
		return errors.Wrap(err, "sync time meter")
	}
	v := buf[0] / float64(c.WorldSize())
	m.synced = &v
	return nil
}

// DatasetStatsMeter accumulates padded batch sizes of the ASR train stream.
// Value returns {input total, target total, input max, target max, batches}.
type DatasetStatsMeter struct {
	totalInput  int64
	totalTarget int64
	maxInput    int64
	maxTarget   int64
	batches     int64
}

// Add records one batch given its padded input and target lengths.
func (m *DatasetStatsMeter) Add(inputLen, targetLen int) {
	m.totalInput += int64(inputLen)
	m.totalTarget += int64(targetLen)
	if int64(inputLen) > m.maxInput {
		m.maxInput = int64(inputLen)
	}
	if int64(targetLen) > m.maxTarget {
		m.maxTarget = int64(targetLen)
	}
	m.batches++
}

func (m *DatasetStatsMeter) Value() [5]int64 {
	return [5]int64{m.totalInput, m.totalTarget, m.maxInput, m.maxTarget, m.batches}
}

func (m *DatasetStatsMeter) Reset() {
	*m = DatasetStatsMeter{}
}

// Sync sums totals and batch counts across workers. Maxima stay local.
func (m *DatasetStatsMeter) Sync(c collective.Communicator) error {
	buf := []float64{float64(m.totalInput), float64(m.totalTarget), float64(m.batches)}
	if err := c.AllReduceSum64(buf); err != nil {
		return errors.Wrap(err, "sync dataset stats meter")
	}
	m.totalInput, m.totalTarget, m.batches = int64(buf[0]), int64(buf[1]), int64(buf[2])
	return nil
}
