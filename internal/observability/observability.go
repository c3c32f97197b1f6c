// Package observability wires the kernel's metric instruments to an OTel
// meter provider. Instruments are registered against the global
// delegating provider at init time, matching the teacher's
// register-at-init/forward-once-initialized pattern, so every package in
// this module can record against the package-level Metrics var whether
// or not Init has run yet.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds every counter/histogram the kernel records against.
// Instruments are no-ops until Init installs a real provider.
var Metrics struct {
	FactsAppended    metric.Int64Counter
	ActionsExecuted  metric.Int64Counter
	ActionFailures   metric.Int64Counter
	ProcessSteps     metric.Int64Counter
	TransactionRetry metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/farant/smaragda-sub002/kernel")
	Metrics.FactsAppended, _ = m.Int64Counter("kernel.facts_appended",
		metric.WithDescription("Facts appended to the store"),
		metric.WithUnit("{fact}"),
	)
	Metrics.ActionsExecuted, _ = m.Int64Counter("kernel.actions_executed",
		metric.WithDescription("execute_action invocations that returned without an error"),
		metric.WithUnit("{action}"),
	)
	Metrics.ActionFailures, _ = m.Int64Counter("kernel.action_failures",
		metric.WithDescription("execute_action invocations that returned a captured Result.Error"),
		metric.WithUnit("{action}"),
	)
	Metrics.ProcessSteps, _ = m.Int64Counter("kernel.process_steps_advanced",
		metric.WithDescription("Process steps dispatched by advance_process"),
		metric.WithUnit("{step}"),
	)
	Metrics.TransactionRetry, _ = m.Int64Counter("kernel.transaction_retries",
		metric.WithDescription("BEGIN IMMEDIATE retries due to a busy writer lock"),
		metric.WithUnit("{retry}"),
	)
}

// Shutdown stops a meter provider started by Init, flushing any buffered
// readings first.
type Shutdown func(ctx context.Context) error

// Init installs a metric provider that periodically writes readings to
// stdout, returning a Shutdown to call during kernel close. Passing
// enabled=false leaves the no-op global provider in place, so every
// Metrics.* call remains safe but free.
func Init(enabled bool) (Shutdown, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(provider)

	return provider.Shutdown, nil
}
