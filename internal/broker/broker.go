// Package broker is the Message Bus abstraction: at-least-once delivery
// with an explicit ack/nack and a visibility timeout, so a consumer that
// dies mid-handler doesn't lose the message, only delays its redelivery.
package broker

import (
	"context"
	"time"
)

// Message is one delivery from a queue. DeliveryCount is the broker's
// view of how many times this message has been handed out without an
// ack; a handler that sees a high count may choose to treat it as
// suspect, though nothing in this engine currently does.
type Message struct {
	ID            string
	Queue         string
	Body          []byte
	DeliveryCount int64
}

// Broker is the full contract the controller, worker, and janitor use to
// move messages. Receive blocks up to the implementation's own poll
// timeout and returns (nil, nil) when nothing is available, so callers
// loop rather than treating a nil message as an error.
type Broker interface {
	Send(ctx context.Context, queue string, body []byte) (id string, err error)
	Receive(ctx context.Context, queue string, visibility time.Duration) (*Message, error)
	Ack(ctx context.Context, queue string, msg *Message) error
	// Nack leaves msg pending; it becomes visible again once its
	// visibility window elapses and another consumer reclaims it.
	Nack(ctx context.Context, queue string, msg *Message) error
}
