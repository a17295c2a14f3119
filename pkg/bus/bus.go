// Package bus implements the typed, asynchronous envelope router spec.md
// section 9 calls the message bus: one inbound channel per module, in-process
// delivery when sender and receiver share a machine, and a reliable
// at-most-one-connection-per-peer transport (see broker.go) otherwise.
package bus

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slogdb/slog/core/model"
)

// Envelope is the wire/in-process unit of delivery. CorrelationID exists
// purely for tracing (log lines, not protocol logic).
type Envelope struct {
	CorrelationID string
	From          model.MachineID
	To            model.MachineID
	Channel       model.ChannelID
	Payload       interface{}
}

// NewEnvelope stamps a fresh correlation id onto a payload.
func NewEnvelope(from, to model.MachineID, channel model.ChannelID, payload interface{}) Envelope {
	return Envelope{
		CorrelationID: uuid.NewString(),
		From:          from,
		To:            to,
		Channel:       channel,
		Payload:       payload,
	}
}

// Router owns one buffered inbound channel per registered module channel on
// this machine, plus a handle to the Broker used for cross-machine sends.
type Router struct {
	self    model.MachineID
	inboxes map[model.ChannelID]chan Envelope
	broker  *Broker
	logger  *zap.Logger
}

const defaultInboxSize = 4096

// NewRouter creates a Router for the local machine `self`. Modules register
// their channel with RegisterChannel before Run-ing.
func NewRouter(self model.MachineID, broker *Broker, logger *zap.Logger) *Router {
	return &Router{
		self:    self,
		inboxes: make(map[model.ChannelID]chan Envelope),
		broker:  broker,
		logger:  logger,
	}
}

// RegisterChannel creates (or returns the existing) inbound queue for a
// module channel.
func (r *Router) RegisterChannel(ch model.ChannelID) <-chan Envelope {
	if _, ok := r.inboxes[ch]; !ok {
		r.inboxes[ch] = make(chan Envelope, defaultInboxSize)
	}
	return r.inboxes[ch]
}

// Send delivers an envelope: in-process if `to` is this machine, otherwise
// handed to the Broker for remote delivery. Per spec.md section 4.2, the bus
// never retries a lost send.
func (r *Router) Send(env Envelope) error {
	if env.To == r.self {
		return r.deliverLocal(env)
	}
	if r.broker == nil {
		return fmt.Errorf("bus: no broker configured, cannot reach %+v", env.To)
	}
	return r.broker.Send(env)
}

// deliverLocal is also the entry point the Broker uses once it has decoded
// an envelope that arrived over the wire and is addressed to this machine.
func (r *Router) deliverLocal(env Envelope) error {
	inbox, ok := r.inboxes[env.Channel]
	if !ok {
		// Fatal per spec.md section 7: an envelope on a nonexistent channel.
		panic(model.ErrUnknownChannel)
	}
	select {
	case inbox <- env:
		return nil
	default:
		r.logger.Warn("dropping envelope, inbox full",
			zap.Int("channel", int(env.Channel)),
			zap.String("correlation_id", env.CorrelationID))
		return fmt.Errorf("bus: inbox for channel %d is full", env.Channel)
	}
}
