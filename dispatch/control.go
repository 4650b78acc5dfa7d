package dispatch

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/taskforge/store"
)

// Control actions accepted on the worker:control channel.
const (
	ActionResetBreakers   = "reset_circuit_breakers"
	ActionOpenBreakers    = "open_circuit_breakers"
	ActionUpdateRateLimit = "update_rate_limit"
)

// ControlMessage is the operator command wire format.
type ControlMessage struct {
	Action        string `json:"action"`
	MaxRequests   int    `json:"max_requests,omitempty"`
	WindowSeconds int    `json:"window_seconds,omitempty"`
}

// BreakerControl is the forced-state surface of the worker breaker.
type BreakerControl interface {
	ForceOpen()
	ForceClose()
}

// LimiterAdmin applies shared rate-limit config changes.
type LimiterAdmin interface {
	UpdateConfig(ctx context.Context, maxRequests, windowSecs int) error
}

// ControlStream is the subscribe side of the store.
type ControlStream interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// ControlListener applies fleet-wide operator commands to this
// worker's breaker and the shared limiter config.
type ControlListener struct {
	stream   ControlStream
	breaker  BreakerControl
	limiter  LimiterAdmin
	workerID string
}

func NewControlListener(stream ControlStream, breaker BreakerControl, limiter LimiterAdmin, workerID string) *ControlListener {
	return &ControlListener{
		stream:   stream,
		breaker:  breaker,
		limiter:  limiter,
		workerID: workerID,
	}
}

// Run blocks consuming control messages until ctx ends.
func (c *ControlListener) Run(ctx context.Context) {
	pubsub := c.stream.Subscribe(ctx, store.ChannelWorkerControl)
	defer pubsub.Close()

	log.Printf("Control listener attached (worker %s)", c.workerID)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Printf("Control listener stopped (worker %s)", c.workerID)
			return
		case msg, ok := <-ch:
			if !ok {
				log.Printf("Control subscription closed (worker %s)", c.workerID)
				return
			}
			c.handle(ctx, msg.Payload)
		}
	}
}

func (c *ControlListener) handle(ctx context.Context, payload string) {
	var msg ControlMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		log.Printf("Control message decode: %v", err)
		return
	}

	switch msg.Action {
	case ActionResetBreakers:
		c.breaker.ForceClose()
		log.Printf("Control: circuit breaker force-closed (worker %s)", c.workerID)
	case ActionOpenBreakers:
		c.breaker.ForceOpen()
		log.Printf("Control: circuit breaker force-opened (worker %s)", c.workerID)
	case ActionUpdateRateLimit:
		if err := c.limiter.UpdateConfig(ctx, msg.MaxRequests, msg.WindowSeconds); err != nil {
			log.Printf("Control: rate limit update rejected: %v", err)
			return
		}
		log.Printf("Control: rate limit updated to %d req / %ds", msg.MaxRequests, msg.WindowSeconds)
	default:
		log.Printf("Control: unknown action %q ignored", msg.Action)
	}
}
