package serialmux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/vehicle-state/internal/monitoring"
	"github.com/banshee-data/vehicle-state/internal/sensors"
)

// HandleEvent decodes one sensor line and stores it in the cache.
func HandleEvent(cache *sensors.Cache, payload string) error {
	switch ClassifyPayload(payload) {
	case EventTypeImu, EventTypeEncoder, EventTypeActuator:
		p, err := sensors.ParseLine([]byte(payload))
		if err != nil {
			return fmt.Errorf("failed to handle sensor event: %w", err)
		}
		p.Apply(cache)
		return nil
	default:
		return fmt.Errorf("%w: %.64s", sensors.ErrUnknownPacket, payload)
	}
}

// Feed subscribes to mux and applies every line to cache until ctx is done
// or the subscription closes. Malformed lines are logged and skipped.
func Feed(ctx context.Context, mux SerialMuxInterface, cache *sensors.Cache) {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	bad := monitoring.NewLimiter("serial", 10*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := HandleEvent(cache, line); err != nil {
				if errors.Is(err, sensors.ErrUnknownPacket) {
					bad.Logf("ignoring line: %v", err)
					continue
				}
				bad.Logf("%v", err)
			}
		}
	}
}
