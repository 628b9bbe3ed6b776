package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/mjasion/balena-home/blegateway"

// Instruments are the gateway counters exported through the global meter provider
type Instruments struct {
	advertisements metric.Int64Counter
	commands       metric.Int64Counter
	outcomes       metric.Int64Counter
}

// NewInstruments creates the gateway counters on the global meter provider
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(meterName)

	advertisements, err := meter.Int64Counter("ble.advertisements",
		metric.WithDescription("Advertisements received, by decode result"))
	if err != nil {
		return nil, fmt.Errorf("advertisements counter: %w", err)
	}
	commands, err := meter.Int64Counter("ble.commands",
		metric.WithDescription("Command requests sent to the BLE transport"))
	if err != nil {
		return nil, fmt.Errorf("commands counter: %w", err)
	}
	outcomes, err := meter.Int64Counter("ble.outcomes",
		metric.WithDescription("Command outcomes, by kind and status code"))
	if err != nil {
		return nil, fmt.Errorf("outcomes counter: %w", err)
	}

	return &Instruments{
		advertisements: advertisements,
		commands:       commands,
		outcomes:       outcomes,
	}, nil
}

// Advertisement counts one advertisement; result is decoded, empty or error
func (i *Instruments) Advertisement(ctx context.Context, model, result string) {
	if i == nil {
		return
	}
	i.advertisements.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("result", result),
	))
}

// Command counts one command request
func (i *Instruments) Command(ctx context.Context, model, command string) {
	if i == nil {
		return
	}
	i.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("command", command),
	))
}

// Outcome counts one decoded command outcome
func (i *Instruments) Outcome(ctx context.Context, command, kind string, statusCode uint) {
	if i == nil {
		return
	}
	i.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("kind", kind),
		attribute.Int("status_code", int(statusCode)),
	))
}
