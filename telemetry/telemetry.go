// Package telemetry exports training progress as Prometheus gauges.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const promNamespace = "joint"

var tagLabels = []string{"tag"}

// Reporter holds the training gauges. A nil *Reporter discards every
// observation.
type Reporter struct {
	batchIdx     prom.Gauge
	asrEpoch     prom.Gauge
	lmEpoch      prom.Gauge
	learningRate prom.Gauge
	trainLoss    prom.Gauge
	trainWER     prom.Gauge
	validWER     *prom.GaugeVec
	validLoss    *prom.GaugeVec
	lmValidLoss  *prom.GaugeVec
	saves        prom.Counter
}

// NewReporter creates the gauges and registers them with reg.
func NewReporter(reg prom.Registerer) (*Reporter, error) {
	gauge := func(name, help string) prom.Gauge {
		return prom.NewGauge(prom.GaugeOpts{Namespace: promNamespace, Name: name, Help: help})
	}
	gaugeVec := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: promNamespace, Name: name, Help: help}, tagLabels)
	}
	r := &Reporter{
		batchIdx:     gauge("batch_idx", "number of updates performed"),
		asrEpoch:     gauge("asr_epoch", "completed passes over the ASR training set"),
		lmEpoch:      gauge("lm_epoch", "completed passes over the LM training set"),
		learningRate: gauge("learning_rate", "current learning rate"),
		trainLoss:    gauge("train_loss", "sampled ASR training loss"),
		trainWER:     gauge("train_wer", "sampled ASR training word error rate"),
		validWER:     gaugeVec("valid_wer", "ASR validation word error rate"),
		validLoss:    gaugeVec("valid_loss", "ASR validation loss"),
		lmValidLoss:  gaugeVec("lm_valid_loss", "LM validation loss per token"),
		saves: prom.NewCounter(prom.CounterOpts{
			Namespace: promNamespace,
			Name:      "checkpoint_saves_total",
			Help:      "checkpoint files written",
		}),
	}
	for _, c := range []prom.Collector{
		r.batchIdx, r.asrEpoch, r.lmEpoch, r.learningRate, r.trainLoss, r.trainWER,
		r.validWER, r.validLoss, r.lmValidLoss, r.saves,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register training metrics")
		}
	}
	return r, nil
}

// ObserveState records the loop counters.
func (r *Reporter) ObserveState(batchIdx, asrEpoch, lmEpoch int64, lr float64) {
	if r == nil {
		return
	}
	r.batchIdx.Set(float64(batchIdx))
	r.asrEpoch.Set(float64(asrEpoch))
	r.lmEpoch.Set(float64(lmEpoch))
	r.learningRate.Set(lr)
}

func (r *Reporter) ObserveTrain(loss, wer float64) {
	if r == nil {
		return
	}
	r.trainLoss.Set(loss)
	r.trainWER.Set(wer)
}

func (r *Reporter) ObserveValid(tag string, wer, loss float64) {
	if r == nil {
		return
	}
	r.validWER.WithLabelValues(tag).Set(wer)
	r.validLoss.WithLabelValues(tag).Set(loss)
}

func (r *Reporter) ObserveLMValid(tag string, loss float64) {
	if r == nil {
		return
	}
	r.lmValidLoss.WithLabelValues(tag).Set(loss)
}

func (r *Reporter) CheckpointSaved() {
	if r == nil {
		return
	}
	r.saves.Inc()
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prom.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.WithField("addr", addr).Info("serving metrics")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "metrics server")
	}
}
