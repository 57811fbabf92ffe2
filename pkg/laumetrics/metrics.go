// Prometheus metrics and a small read-only status API for the watch daemon
package laumetrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/function61/gokit/promconstmetrics"
	"github.com/function61/laukaisin/pkg/lauclient"
	"github.com/function61/laukaisin/pkg/laudb"
	"github.com/function61/laukaisin/pkg/lautypes"
	"github.com/function61/laukaisin/pkg/lauwatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Stated interface {
	Title() lautypes.Title
	Snapshot() lauclient.State
}

type Controller struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	operations   *prometheus.CounterVec

	installed            *prometheus.GaugeVec
	updateRequired       *prometheus.GaugeVec
	predownloadAvailable *prometheus.GaugeVec

	// const metric b/c a check's runtime is only known once it finished, and has a timestamp
	checkRuntime *promconstmetrics.Ref

	constMetricsCollector *promconstmetrics.Collector
}

func New() *Controller {
	reg := prometheus.NewRegistry()

	constMetricsCollector := promconstmetrics.NewCollector()

	titleGauge := func(name string, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, []string{"title"})
	}

	m := &Controller{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lau_http_requests_total",
			Help: "HTTP server's handled requests",
		}, []string{"code", "method"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lau_operations_total",
			Help: "Finished queued operations",
		}, []string{"kind", "result"}),
		installed:             titleGauge("lau_title_installed", "1 if the title has an install directory"),
		updateRequired:        titleGauge("lau_title_update_required", "1 if the installed version is older than the latest"),
		predownloadAvailable:  titleGauge("lau_title_predownload_available", "1 if a pre-download is available and not yet done"),
		checkRuntime:          constMetricsCollector.Register("lau_watch_check_runtime_seconds", "Update check's runtime (seconds)", prometheus.Labels{}, "title"),
		constMetricsCollector: constMetricsCollector,
	}

	reg.MustRegister(m.httpRequests)
	reg.MustRegister(m.operations)
	reg.MustRegister(m.installed)
	reg.MustRegister(m.updateRequired)
	reg.MustRegister(m.predownloadAvailable)
	reg.MustRegister(m.constMetricsCollector)

	return m
}

// cancellable title state collection task for taskrunner
func (m *Controller) Task(titles []Stated) func(context.Context) error {
	return func(ctx context.Context) error {
		m.Collect(titles)

		collectionInterval := time.NewTicker(15 * time.Second)
		defer collectionInterval.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-collectionInterval.C:
				m.Collect(titles)
			}
		}
	}
}

func (m *Controller) Collect(titles []Stated) {
	for _, title := range titles {
		state := title.Snapshot()
		id := title.Title().ID

		m.installed.WithLabelValues(id).Set(boolToFloat(state.Installed))
		m.updateRequired.WithLabelValues(id).Set(boolToFloat(state.UpdateRequired))
		m.predownloadAvailable.WithLabelValues(id).Set(boolToFloat(state.PredownloadAvailable && !state.PredownloadDismissed))
	}
}

// scheduler's job-finished hook
func (m *Controller) ObserveCheck(spec lauwatch.JobSpec) {
	if spec.LastRun == nil {
		return
	}

	m.constMetricsCollector.Observe(m.checkRuntime, spec.LastRun.Runtime().Seconds(), spec.LastRun.Finished, spec.TitleID)
}

func (m *Controller) MetricsHTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instruments a HTTP handler
func (m *Controller) WrapHTTPServer(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)

		m.httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}

// decorates a journal with a proxy that doesn't change any behaviour, but counts finished operations
func (m *Controller) WrapJournal(origin laudb.Journal) laudb.Journal {
	return &proxyJournal{origin, m}
}

type proxyJournal struct {
	laudb.Journal
	metrics *Controller
}

func (p *proxyJournal) RecordOperation(rec laudb.OperationRecord) error {
	if !rec.Finished.IsZero() {
		result := "ok"
		if rec.Error != "" {
			result = "error"
		}

		p.metrics.operations.With(prometheus.Labels{
			"kind":   rec.Kind,
			"result": result,
		}).Inc()
	}

	return p.Journal.RecordOperation(rec)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
