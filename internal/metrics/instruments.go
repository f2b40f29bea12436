package metrics

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Instruments bundles the relay's counters. A nil *Instruments is
// safe to call, so code paths can run without a meter in tests.
type Instruments struct {
	connections        metric.Int64UpDownCounter
	messagesDispatched metric.Int64Counter
	broadcastsSent     metric.Int64Counter
	deliveryFailures   metric.Int64Counter
	recordsBuffered    metric.Int64Counter
}

// NewInstruments registers the relay's instruments on the given meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	connections, err := meter.Int64UpDownCounter("relay.connections.active")
	if err != nil {
		return nil, err
	}
	dispatched, err := meter.Int64Counter("relay.messages.dispatched")
	if err != nil {
		return nil, err
	}
	broadcasts, err := meter.Int64Counter("relay.broadcasts.sent")
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("relay.delivery.failures")
	if err != nil {
		return nil, err
	}
	buffered, err := meter.Int64Counter("relay.records.buffered")
	if err != nil {
		return nil, err
	}
	return &Instruments{
		connections:        connections,
		messagesDispatched: dispatched,
		broadcastsSent:     broadcasts,
		deliveryFailures:   failures,
		recordsBuffered:    buffered,
	}, nil
}

func (i *Instruments) ConnectionOpened(ctx context.Context) {
	if i == nil {
		return
	}
	i.connections.Add(ctx, 1)
}

func (i *Instruments) ConnectionClosed(ctx context.Context) {
	if i == nil {
		return
	}
	i.connections.Add(ctx, -1)
}

func (i *Instruments) MessageDispatched(ctx context.Context) {
	if i == nil {
		return
	}
	i.messagesDispatched.Add(ctx, 1)
}

func (i *Instruments) BroadcastSent(ctx context.Context, deliveries int64) {
	if i == nil {
		return
	}
	i.broadcastsSent.Add(ctx, deliveries)
}

func (i *Instruments) DeliveryFailed(ctx context.Context) {
	if i == nil {
		return
	}
	i.deliveryFailures.Add(ctx, 1)
}

func (i *Instruments) RecordsBuffered(ctx context.Context, n int64) {
	if i == nil {
		return
	}
	i.recordsBuffered.Add(ctx, n)
}
