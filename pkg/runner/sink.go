package runner

import (
	"github.com/lambkin-lang/sapling/internal/store"
	"github.com/lambkin-lang/sapling/pkg/wire"
)

// Sink dispatches decoded intent frames to the matching publisher by
// kind (spec §4.L). It implements IntentSink for the attempt engine.
// Sink never retries the atomic function on a publish failure — the
// commit that produced the intent is already durable.
type Sink struct {
	outbox *OutboxPublisher
	timer  *TimerPublisher
}

func NewSink(outbox *OutboxPublisher, timer *TimerPublisher) *Sink {
	return &Sink{outbox: outbox, timer: timer}
}

// Publish decodes frame's intent header and routes it to the outbox or
// timer publisher. Unknown kind or decode error is surfaced as-is.
func (s *Sink) Publish(frame []byte, _ interface{}) error {
	in, err := wire.DecodeIntent(frame)
	if err != nil {
		return err
	}
	switch in.Kind {
	case wire.IntentOutboxEmit:
		return s.outbox.PublishIntent(frame)
	case wire.IntentTimerArm:
		return s.timer.PublishIntent(frame)
	default:
		return store.New("publish", store.KindInvalidData)
	}
}
