// Package metrics wires the per-module instruments exported through a
// scrapeable Prometheus endpoint. They are not part of any StatsResponse:
// no module answers StatsRequest envelopes, and the modules' Stats() maps
// are built separately from these instruments -- grounded on
// internal/telemetry/grpc_metric.go's instrument-registration style.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Registry bundles the OTel MeterProvider (backed by a Prometheus exporter)
// and the handful of counters/histograms the pipeline modules report into,
// all read back only through the Prometheus registerer.
type Registry struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	BatchesSequenced  metric.Int64Counter
	TxnsAborted       metric.Int64Counter
	LocksGranted      metric.Int64Counter
	InterleaverDepth  metric.Int64UpDownCounter
	BatchSizeHist     metric.Int64Histogram
	BatchDurationHist metric.Float64Histogram
}

// NewRegistry creates a Registry backed by a fresh Prometheus registerer.
func NewRegistry(reg *prometheus.Registry) (*Registry, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("metrics: create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("slogdb")

	r := &Registry{provider: provider, meter: meter}

	r.BatchesSequenced, err = meter.Int64Counter("slogdb.sequencer.batches_total",
		metric.WithDescription("Batches closed and proposed to local or global Paxos."))
	if err != nil {
		return nil, err
	}
	r.TxnsAborted, err = meter.Int64Counter("slogdb.txn.aborted_total",
		metric.WithDescription("Transactions aborted, by reason."))
	if err != nil {
		return nil, err
	}
	r.LocksGranted, err = meter.Int64Counter("slogdb.lockmgr.locks_granted_total",
		metric.WithDescription("Lock acquisitions granted by the DDR lock manager."))
	if err != nil {
		return nil, err
	}
	r.InterleaverDepth, err = meter.Int64UpDownCounter("slogdb.interleaver.pending_slots",
		metric.WithDescription("Slots buffered in the interleaver waiting on a ready batch."))
	if err != nil {
		return nil, err
	}
	r.BatchSizeHist, err = meter.Int64Histogram("slogdb.sequencer.batch_size",
		metric.WithDescription("Number of transactions per sequenced batch."))
	if err != nil {
		return nil, err
	}
	r.BatchDurationHist, err = meter.Float64Histogram("slogdb.sequencer.batch_duration_ms",
		metric.WithDescription("Wall-clock duration a batch stayed open before being cut."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return r, nil
}

// Shutdown flushes and stops the meter provider.
func (r *Registry) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
