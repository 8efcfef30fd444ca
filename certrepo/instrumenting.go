package certrepo

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/pkidesk/certerr"
)

// Metrics holds the collectors recorded by InstrumentingMiddleware.
type Metrics struct {
	RequestCount   *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
}

// NewMetrics creates the repository collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	fieldKeys := []string{"method", "error"}
	m := &Metrics{
		RequestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pkidesk",
			Subsystem: "repository",
			Name:      "request_count",
			Help:      "Number of repository requests received.",
		}, fieldKeys),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pkidesk",
			Subsystem: "repository",
			Name:      "request_latency_seconds",
			Help:      "Duration of repository requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, fieldKeys),
	}
	reg.MustRegister(m.RequestCount, m.RequestLatency)
	return m
}

// InstrumentingMiddleware counts and times every repository call, labelled
// by method and error kind ("none" on success).
func InstrumentingMiddleware(m *Metrics) Middleware {
	return func(next Repository) Repository {
		return &instrumentingMiddleware{metrics: m, next: next}
	}
}

type instrumentingMiddleware struct {
	metrics *Metrics
	next    Repository
}

func (mw *instrumentingMiddleware) observe(method string, begin time.Time, err error) {
	kind := "none"
	if err != nil {
		kind = certerr.KindOf(err)
	}
	mw.metrics.RequestCount.WithLabelValues(method, kind).Inc()
	mw.metrics.RequestLatency.WithLabelValues(method, kind).Observe(time.Since(begin).Seconds())
}

func (mw *instrumentingMiddleware) ListPendingCSRs(ctx context.Context) (names []string, err error) {
	defer func(begin time.Time) { mw.observe("ListPendingCSRs", begin, err) }(time.Now())
	return mw.next.ListPendingCSRs(ctx)
}

func (mw *instrumentingMiddleware) GetCSR(ctx context.Context, name string) (der []byte, err error) {
	defer func(begin time.Time) { mw.observe("GetCSR", begin, err) }(time.Now())
	return mw.next.GetCSR(ctx, name)
}

func (mw *instrumentingMiddleware) SubmitCSR(ctx context.Context, name string, csrDER []byte) (err error) {
	defer func(begin time.Time) { mw.observe("SubmitCSR", begin, err) }(time.Now())
	return mw.next.SubmitCSR(ctx, name, csrDER)
}

func (mw *instrumentingMiddleware) ListCertificates(ctx context.Context) (names []string, err error) {
	defer func(begin time.Time) { mw.observe("ListCertificates", begin, err) }(time.Now())
	return mw.next.ListCertificates(ctx)
}

func (mw *instrumentingMiddleware) GetCertificate(ctx context.Context, name string) (der []byte, err error) {
	defer func(begin time.Time) { mw.observe("GetCertificate", begin, err) }(time.Now())
	return mw.next.GetCertificate(ctx, name)
}

func (mw *instrumentingMiddleware) PublishCertificate(ctx context.Context, name string, certDER []byte) (err error) {
	defer func(begin time.Time) { mw.observe("PublishCertificate", begin, err) }(time.Now())
	return mw.next.PublishCertificate(ctx, name, certDER)
}

func (mw *instrumentingMiddleware) CACertificate(ctx context.Context) (der []byte, err error) {
	defer func(begin time.Time) { mw.observe("CACertificate", begin, err) }(time.Now())
	return mw.next.CACertificate(ctx)
}
