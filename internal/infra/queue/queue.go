package queue

import "errors"

var ErrClosed = errors.New("queue closed")

// Delivery is one task handed to a worker. Exactly one of Ack or Nak should
// be called: Ack drops the message, Nak makes it available again.
type Delivery struct {
	TaskID   string
	Priority int

	ack func() error
	nak func() error
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

func (d Delivery) Nak() error {
	if d.nak == nil {
		return nil
	}
	return d.nak()
}
