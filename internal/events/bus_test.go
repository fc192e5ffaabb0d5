package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []*Event
	bus.Subscribe(PortfolioAggregated, func(event *Event) {
		got = append(got, event)
	})
	bus.Subscribe(AggregationFailed, func(event *Event) {
		t.Fatal("handler for a different event type must not fire")
	})

	data := &PortfolioAggregatedData{
		SessionID: "s1",
		Weights:   map[string]float64{"AAPL": 1.0},
		AsOf:      time.Now().UTC(),
	}
	bus.Publish(data)

	assert.Len(t, got, 1)
	assert.Equal(t, PortfolioAggregated, got[0].Type)
	assert.Same(t, data, got[0].Data)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var count int
	unsubscribe := bus.Subscribe(AggregationFailed, func(event *Event) {
		count++
	})

	bus.Publish(&AggregationFailedData{SessionID: "s1", Reason: "timeout"})
	unsubscribe()
	bus.Publish(&AggregationFailedData{SessionID: "s1", Reason: "timeout"})

	assert.Equal(t, 1, count)
}

func TestBusRecoversFromHandlerPanic(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var reached bool
	bus.Subscribe(StrategyEvaluated, func(event *Event) {
		panic("boom")
	})
	bus.Subscribe(StrategyEvaluated, func(event *Event) {
		reached = true
	})

	bus.Publish(&StrategyEvaluatedData{SessionID: "s1", StrategyID: "momentum"})

	assert.True(t, reached)
}
