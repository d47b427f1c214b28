package training

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// asrValidProgress is the reported state of one ASR validation set.
type asrValidProgress struct {
	Tag            string
	Loss, TER, WER float64
}

// lmValidProgress is the reported state of one LM validation set.
type lmValidProgress struct {
	Tag  string
	Loss float64
}

// progressReport is the synced meter state a progress line is built from.
// Timer values are in seconds.
type progressReport struct {
	Now   time.Time
	State State
	LR    float64

	RunTime, Batch, Sample, Forward, CritForward, Backward, Optim float64

	TrainLoss, TrainTER, TrainWER float64
	ASRValid                      []asrValidProgress

	// Stats is the dataset stats meter value: input total, target total,
	// input max, target max, batches.
	Stats         [5]int64
	ASRBatchSize  int
	FeatureFrames bool
	FrameStrideMs int
	SampleRate    int
	WorldSize     int

	LMTrainLoss float64
	LMValid     []lmValidProgress
}

// progressLine renders "key: value" pairs joined by " | ". Log scrapers
// depend on the field order.
type progressLine struct {
	b strings.Builder
}

func (p *progressLine) add(key, val string) {
	if p.b.Len() > 0 {
		p.b.WriteString(" | ")
	}
	p.b.WriteString(key)
	p.b.WriteString(": ")
	p.b.WriteString(val)
}

func (p *progressLine) String() string { return p.b.String() }

func formatProgress(r progressReport) string {
	var line progressLine
	line.add("timestamp", r.Now.Format("2006-01-02 15:04:05"))
	line.add("asr-epoch", fmt.Sprintf("%8d", r.State.ASREpoch))
	line.add("lm-epoch", fmt.Sprintf("%8d", r.State.LMEpoch))
	line.add("nupdates", fmt.Sprintf("%12d", r.State.BatchIdx))
	line.add("lr", fmt.Sprintf("%4.6f", r.LR))
	line.add("lrcriterion", fmt.Sprintf("%4.6f", r.LR))

	runTime := int(r.RunTime)
	line.add("runtime", fmt.Sprintf("%02d:%02d:%02d", runTime/60/60, (runTime/60)%60, runTime%60))
	line.add("bch(ms)", fmt.Sprintf("%.2f", r.Batch*1000))
	line.add("smp(ms)", fmt.Sprintf("%.2f", r.Sample*1000))
	line.add("fwd(ms)", fmt.Sprintf("%.2f", r.Forward*1000))
	line.add("crit-fwd(ms)", fmt.Sprintf("%.2f", r.CritForward*1000))
	line.add("bwd(ms)", fmt.Sprintf("%.2f", r.Backward*1000))
	line.add("optim(ms)", fmt.Sprintf("%.2f", r.Optim*1000))

	line.add("loss", fmt.Sprintf("%10.5f", r.TrainLoss))
	line.add("train-TER", fmt.Sprintf("%5.2f", r.TrainTER))
	line.add("train-WER", fmt.Sprintf("%5.2f", r.TrainWER))
	for _, v := range r.ASRValid {
		line.add(v.Tag+"-loss", fmt.Sprintf("%10.5f", v.Loss))
		line.add(v.Tag+"-TER", fmt.Sprintf("%5.2f", v.TER))
		line.add(v.Tag+"-WER", fmt.Sprintf("%5.2f", v.WER))
	}

	numSamples := r.Stats[4]
	if numSamples < 1 {
		numSamples = 1
	}
	inputTotal, targetTotal, targetMax := r.Stats[0], r.Stats[1], r.Stats[3]
	line.add("avg-isz", fmt.Sprintf("%03d", inputTotal/numSamples))
	line.add("avg-tsz", fmt.Sprintf("%03d", targetTotal/numSamples))
	line.add("max-tsz", fmt.Sprintf("%03d", targetMax))

	audioSec := float64(inputTotal) * float64(r.ASRBatchSize)
	if r.FeatureFrames {
		audioSec = audioSec * float64(r.FrameStrideMs) / 1000
	} else {
		audioSec /= float64(r.SampleRate)
	}
	world := r.WorldSize
	if world < 1 {
		world = 1
	}
	timeTaken := r.Batch * float64(numSamples) / float64(world)
	line.add("hrs", fmt.Sprintf("%7.2f", audioSec/3600))
	if timeTaken > 0 {
		line.add("thrpt(sec/sec)", fmt.Sprintf("%.2f", audioSec/timeTaken))
	} else {
		line.add("thrpt(sec/sec)", "n/a")
	}

	line.add("lm-train-loss", fmt.Sprintf("%.2f", r.LMTrainLoss))
	line.add("lm-train-ppl", fmt.Sprintf("%.2f", math.Exp(r.LMTrainLoss)))
	for _, v := range r.LMValid {
		line.add("lm-"+v.Tag+"-loss", fmt.Sprintf("%.2f", v.Loss))
		line.add("lm-"+v.Tag+"-ppl", fmt.Sprintf("%.2f", math.Exp(v.Loss)))
	}
	return line.String()
}
