// Package observability provides a metrics extension for tally that records
// lifecycle event counts via an injected MetricFactory.
package observability

import (
	"context"

	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/cycle"
	"github.com/tallybot/tally/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin            = (*MetricsExtension)(nil)
	_ plugin.OnInit            = (*MetricsExtension)(nil)
	_ plugin.OnTenantCreated   = (*MetricsExtension)(nil)
	_ plugin.OnCycleOpened     = (*MetricsExtension)(nil)
	_ plugin.OnCycleClosed     = (*MetricsExtension)(nil)
	_ plugin.OnBillRecorded    = (*MetricsExtension)(nil)
	_ plugin.OnBillUndone      = (*MetricsExtension)(nil)
	_ plugin.OnBalanceSet      = (*MetricsExtension)(nil)
	_ plugin.OnOperatorGranted = (*MetricsExtension)(nil)
	_ plugin.OnOperatorRevoked = (*MetricsExtension)(nil)
	_ plugin.OnDeliveryFailed  = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an engine plugin to automatically track bookkeeping
// metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Tenant metrics
	TenantsCreated Counter

	// Cycle metrics
	CyclesOpened  Counter
	CyclesClosed  Counter
	CycleBills    Histogram
	CycleNet      Histogram
	CycleDuration Histogram

	// Bill metrics
	BillsRecorded Counter
	BillsUndone   Counter
	BillAmount    Histogram
	BalanceSet    Counter

	// Roster metrics
	OperatorsGranted Counter
	OperatorsRevoked Counter

	// Delivery metrics
	DeliveriesFailed Counter
	DeliveryAttempts Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		TenantsCreated: factory.Counter("tally.tenant.created"),

		CyclesOpened:  factory.Counter("tally.cycle.opened"),
		CyclesClosed:  factory.Counter("tally.cycle.closed"),
		CycleBills:    factory.Histogram("tally.cycle.bills"),
		CycleNet:      factory.Histogram("tally.cycle.net"),
		CycleDuration: factory.Histogram("tally.cycle.duration_ms"),

		BillsRecorded: factory.Counter("tally.bill.recorded"),
		BillsUndone:   factory.Counter("tally.bill.undone"),
		BillAmount:    factory.Histogram("tally.bill.amount"),
		BalanceSet:    factory.Counter("tally.balance.set"),

		OperatorsGranted: factory.Counter("tally.operator.granted"),
		OperatorsRevoked: factory.Counter("tally.operator.revoked"),

		DeliveriesFailed: factory.Counter("tally.delivery.failed"),
		DeliveryAttempts: factory.Histogram("tally.delivery.attempts"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// OnTenantCreated implements plugin.OnTenantCreated.
func (m *MetricsExtension) OnTenantCreated(_ context.Context, _, _ string) error {
	m.TenantsCreated.Inc()
	return nil
}

// OnCycleOpened implements plugin.OnCycleOpened.
func (m *MetricsExtension) OnCycleOpened(_ context.Context, _ interface{}) error {
	m.CyclesOpened.Inc()
	return nil
}

// OnCycleClosed implements plugin.OnCycleClosed.
func (m *MetricsExtension) OnCycleClosed(_ context.Context, c interface{}) error {
	m.CyclesClosed.Inc()
	if cyc, ok := c.(*cycle.Cycle); ok && cyc.Summary != nil {
		m.CycleBills.Observe(float64(cyc.Summary.BillCount))
		m.CycleNet.Observe(float64(cyc.Summary.Net.Int64()))
		m.CycleDuration.Observe(float64(cyc.Summary.Duration.Milliseconds()))
	}
	return nil
}

// OnBillRecorded implements plugin.OnBillRecorded.
func (m *MetricsExtension) OnBillRecorded(_ context.Context, b interface{}) error {
	m.BillsRecorded.Inc()
	if bl, ok := b.(*bill.Bill); ok {
		m.BillAmount.Observe(float64(bl.Amount.Int64()))
	}
	return nil
}

// OnBillUndone implements plugin.OnBillUndone.
func (m *MetricsExtension) OnBillUndone(_ context.Context, _ interface{}) error {
	m.BillsUndone.Inc()
	return nil
}

// OnBalanceSet implements plugin.OnBalanceSet.
func (m *MetricsExtension) OnBalanceSet(_ context.Context, _ string, _ int64) error {
	m.BalanceSet.Inc()
	return nil
}

// OnOperatorGranted implements plugin.OnOperatorGranted.
func (m *MetricsExtension) OnOperatorGranted(_ context.Context, _, _, _ string) error {
	m.OperatorsGranted.Inc()
	return nil
}

// OnOperatorRevoked implements plugin.OnOperatorRevoked.
func (m *MetricsExtension) OnOperatorRevoked(_ context.Context, _, _ string) error {
	m.OperatorsRevoked.Inc()
	return nil
}

// OnDeliveryFailed implements plugin.OnDeliveryFailed.
func (m *MetricsExtension) OnDeliveryFailed(_ context.Context, _ string, attempts int, _ error) error {
	m.DeliveriesFailed.Inc()
	m.DeliveryAttempts.Observe(float64(attempts))
	return nil
}
