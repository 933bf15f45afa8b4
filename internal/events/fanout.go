package events

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/geofence"
)

// Fanout delivers events to every sink. One sink failing does not stop the
// others; their errors are joined.
type Fanout []geofence.Sink

func (f Fanout) Publish(ctx context.Context, events []geofence.Event) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
