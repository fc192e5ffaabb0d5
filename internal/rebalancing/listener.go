package rebalancing

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/jvallis/helmsman/internal/events"
)

// Listener turns PortfolioAggregated events into stored target sets.
type Listener struct {
	targets *TargetRepository
	log     zerolog.Logger
}

// NewListener creates the rebalancing event listener.
func NewListener(targets *TargetRepository, log zerolog.Logger) *Listener {
	return &Listener{
		targets: targets,
		log:     log.With().Str("component", "rebalancing").Logger(),
	}
}

// Register subscribes the listener on the event bus.
func (l *Listener) Register(bus *events.Bus) {
	bus.Subscribe(events.PortfolioAggregated, l.onPortfolioAggregated)
}

func (l *Listener) onPortfolioAggregated(event *events.Event) {
	data, ok := event.Data.(*events.PortfolioAggregatedData)
	if !ok {
		l.log.Error().Str("event_type", string(event.Type)).Msg("Unexpected event payload type")
		return
	}

	set := TargetSet{
		SessionID:     data.SessionID,
		CorrelationID: data.CorrelationID,
		Weights:       data.Weights,
		Strategies:    data.Strategies,
		AsOf:          data.AsOf,
		CreatedAt:     time.Now().UTC(),
	}
	if err := l.targets.Save(set); err != nil {
		l.log.Error().
			Err(err).
			Str("session_id", data.SessionID).
			Msg("Failed to store rebalancing targets")
		return
	}

	l.log.Info().
		Str("session_id", data.SessionID).
		Int("symbols", len(data.Weights)).
		Msg("Rebalancing targets updated")
}
