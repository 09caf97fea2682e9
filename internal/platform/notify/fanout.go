package notify

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/marketday/api/internal/services"
)

// Fanout delivers every notification through all configured transports concurrently.
type Fanout struct {
	dispatchers []services.NotificationDispatcher
}

// NewFanout drops nil dispatchers.
func NewFanout(dispatchers ...services.NotificationDispatcher) *Fanout {
	kept := make([]services.NotificationDispatcher, 0, len(dispatchers))
	for _, d := range dispatchers {
		if d != nil {
			kept = append(kept, d)
		}
	}
	return &Fanout{dispatchers: kept}
}

// Len reports how many transports are configured.
func (f *Fanout) Len() int {
	return len(f.dispatchers)
}

// Send implements services.NotificationDispatcher. One failing transport does not stop the others;
// all failures are joined in the returned error.
func (f *Fanout) Send(ctx context.Context, notification services.Notification) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, d := range f.dispatchers {
		g.Go(func() error {
			if err := d.Send(ctx, notification); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
