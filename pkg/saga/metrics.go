// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package saga

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives saga lifecycle events from the engine and the
// workers. Implementations must be safe for concurrent use.
type MetricsCollector interface {
	RecordSagaStarted(definitionName string)
	RecordSagaCompleted(definitionName string, duration time.Duration)
	RecordSagaRolledBack(definitionName string, duration time.Duration)
	RecordSagaCompensationFailed(definitionName string)
	RecordStepExecuted(definitionName, stepKey string, success bool, duration time.Duration)
	RecordCompensationExecuted(definitionName, stepKey string, success bool, duration time.Duration)
}

// NoopMetricsCollector discards all events. It is the default collector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordSagaStarted(string)                               {}
func (NoopMetricsCollector) RecordSagaCompleted(string, time.Duration)              {}
func (NoopMetricsCollector) RecordSagaRolledBack(string, time.Duration)             {}
func (NoopMetricsCollector) RecordSagaCompensationFailed(string)                    {}
func (NoopMetricsCollector) RecordStepExecuted(string, string, bool, time.Duration) {}
func (NoopMetricsCollector) RecordCompensationExecuted(string, string, bool, time.Duration) {
}

// PrometheusMetricsCollector implements MetricsCollector on top of a
// Prometheus registry.
type PrometheusMetricsCollector struct {
	sagaStartedTotal      *prometheus.CounterVec
	sagaCompletedTotal    *prometheus.CounterVec
	sagaRolledBackTotal   *prometheus.CounterVec
	sagaCompensationFails *prometheus.CounterVec
	sagaDuration          *prometheus.HistogramVec

	stepExecutedTotal         *prometheus.CounterVec
	stepDuration              *prometheus.HistogramVec
	compensationExecutedTotal *prometheus.CounterVec
	compensationDuration      *prometheus.HistogramVec

	registry *prometheus.Registry
}

// PrometheusMetricsConfig configures PrometheusMetricsCollector.
type PrometheusMetricsConfig struct {
	// Namespace is the Prometheus namespace for all metrics (default "saga").
	Namespace string

	// Registry is the registry to register with. If nil, a new registry is
	// created.
	Registry *prometheus.Registry

	// DurationBuckets defines the buckets for duration histograms. If nil,
	// defaults of [0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60] are used.
	DurationBuckets []float64
}

// NewPrometheusMetricsCollector creates a collector and registers its
// metrics. A nil config uses defaults.
func NewPrometheusMetricsCollector(config *PrometheusMetricsConfig) (*PrometheusMetricsCollector, error) {
	if config == nil {
		config = &PrometheusMetricsConfig{}
	}
	if config.Namespace == "" {
		config.Namespace = "saga"
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.DurationBuckets == nil {
		config.DurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0}
	}

	c := &PrometheusMetricsCollector{registry: config.Registry}

	c.sagaStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "saga_started_total",
			Help:      "Total number of sagas started",
		},
		[]string{"definition"},
	)
	c.sagaCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "saga_completed_total",
			Help:      "Total number of sagas completed successfully",
		},
		[]string{"definition"},
	)
	c.sagaRolledBackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "saga_rolled_back_total",
			Help:      "Total number of sagas fully compensated",
		},
		[]string{"definition"},
	)
	c.sagaCompensationFails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "saga_compensation_failed_total",
			Help:      "Total number of sagas whose compensation failed permanently",
		},
		[]string{"definition"},
	)
	c.sagaDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "saga_duration_seconds",
			Help:      "Duration of saga execution in seconds",
			Buckets:   config.DurationBuckets,
		},
		[]string{"definition", "outcome"},
	)
	c.stepExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "step_executed_total",
			Help:      "Total number of forward steps executed",
		},
		[]string{"definition", "step", "success"},
	)
	c.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of forward step execution in seconds",
			Buckets:   config.DurationBuckets,
		},
		[]string{"definition", "step", "success"},
	)
	c.compensationExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "compensation_executed_total",
			Help:      "Total number of compensations executed",
		},
		[]string{"definition", "step", "success"},
	)
	c.compensationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "compensation_duration_seconds",
			Help:      "Duration of compensation execution in seconds",
			Buckets:   config.DurationBuckets,
		},
		[]string{"definition", "step", "success"},
	)

	for _, m := range []prometheus.Collector{
		c.sagaStartedTotal,
		c.sagaCompletedTotal,
		c.sagaRolledBackTotal,
		c.sagaCompensationFails,
		c.sagaDuration,
		c.stepExecutedTotal,
		c.stepDuration,
		c.compensationExecutedTotal,
		c.compensationDuration,
	} {
		if err := config.Registry.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// GetRegistry returns the registry the collector's metrics are registered
// with, for exposing via promhttp.
func (c *PrometheusMetricsCollector) GetRegistry() *prometheus.Registry {
	return c.registry
}

// RecordSagaStarted increments the started counter.
func (c *PrometheusMetricsCollector) RecordSagaStarted(definitionName string) {
	c.sagaStartedTotal.WithLabelValues(definitionName).Inc()
}

// RecordSagaCompleted records a successful saga.
func (c *PrometheusMetricsCollector) RecordSagaCompleted(definitionName string, duration time.Duration) {
	c.sagaCompletedTotal.WithLabelValues(definitionName).Inc()
	c.sagaDuration.WithLabelValues(definitionName, "success").Observe(duration.Seconds())
}

// RecordSagaRolledBack records a fully compensated saga.
func (c *PrometheusMetricsCollector) RecordSagaRolledBack(definitionName string, duration time.Duration) {
	c.sagaRolledBackTotal.WithLabelValues(definitionName).Inc()
	c.sagaDuration.WithLabelValues(definitionName, "rolled_back").Observe(duration.Seconds())
}

// RecordSagaCompensationFailed records a saga whose compensation exhausted
// its retry budget.
func (c *PrometheusMetricsCollector) RecordSagaCompensationFailed(definitionName string) {
	c.sagaCompensationFails.WithLabelValues(definitionName).Inc()
}

// RecordStepExecuted records one forward step attempt.
func (c *PrometheusMetricsCollector) RecordStepExecuted(definitionName, stepKey string, success bool, duration time.Duration) {
	label := boolLabel(success)
	c.stepExecutedTotal.WithLabelValues(definitionName, stepKey, label).Inc()
	c.stepDuration.WithLabelValues(definitionName, stepKey, label).Observe(duration.Seconds())
}

// RecordCompensationExecuted records one compensation attempt.
func (c *PrometheusMetricsCollector) RecordCompensationExecuted(definitionName, stepKey string, success bool, duration time.Duration) {
	label := boolLabel(success)
	c.compensationExecutedTotal.WithLabelValues(definitionName, stepKey, label).Inc()
	c.compensationDuration.WithLabelValues(definitionName, stepKey, label).Observe(duration.Seconds())
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
