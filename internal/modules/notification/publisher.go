// README: Publisher contract for notification delivery plus log and fan-out sinks.
package notification

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Publisher hands an event to a delivery transport. Delivery is at-least-once
// and callers never wait on the recipient.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(log zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.log.Info().
		Str("event", string(ev.Type)).
		Str("request_id", ev.RequestID).
		Str("recipient_id", ev.Recipient.ID).
		Str("recipient_role", ev.Recipient.Role).
		Interface("payload", ev.Payload).
		Msg("notification")
	return nil
}

// MultiPublisher publishes to every sink and joins their errors.
type MultiPublisher struct {
	sinks []Publisher
}

func NewMultiPublisher(sinks ...Publisher) *MultiPublisher {
	return &MultiPublisher{sinks: sinks}
}

func (m *MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch routes t and publishes each resulting event. Failures are logged.
func Dispatch(ctx context.Context, pub Publisher, log zerolog.Logger, t Transition) {
	if pub == nil {
		return
	}
	for _, ev := range Route(t) {
		if err := pub.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).
				Str("event", string(ev.Type)).
				Str("request_id", ev.RequestID).
				Str("recipient_id", ev.Recipient.ID).
				Msg("notification publish failed")
		}
	}
}
