// README: Firebase Cloud Messaging sink; one topic per recipient.
package notification

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
)

// MessageSender is satisfied by *messaging.Client.
type MessageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCMPublisher struct {
	sender MessageSender
}

func NewFCMPublisher(sender MessageSender) *FCMPublisher {
	return &FCMPublisher{sender: sender}
}

// Topic is the FCM topic a recipient's devices subscribe to.
func Topic(r Recipient) string {
	return fmt.Sprintf("%s_%s", r.Role, r.ID)
}

func (p *FCMPublisher) Publish(ctx context.Context, ev Event) error {
	data := map[string]string{
		"type":       string(ev.Type),
		"request_id": ev.RequestID,
	}
	for k, v := range ev.Payload {
		data[k] = fmt.Sprint(v)
	}
	msg := &messaging.Message{
		Topic: Topic(ev.Recipient),
		Data:  data,
	}
	if _, err := p.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}
