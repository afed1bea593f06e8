// internal/processor/scheduler.go
package processor

import (
	"context"
	"sync"
	"time"

	"notification-service/internal/common/logger"
)

// Scheduler periodically promotes due deferred notifications and drains the
// immediate queue. One scheduler runs per processor instance.
type Scheduler struct {
	processor *Processor
	interval  time.Duration
	logger    logger.Logger
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewScheduler(p *Processor, interval time.Duration, log logger.Logger) *Scheduler {
	return &Scheduler{
		processor: p,
		interval:  interval,
		logger:    log.WithFields(map[string]interface{}{"component": "scheduler"}),
		now:       time.Now,
	}
}

// Start launches the scheduling loop. Stop cancels it and waits for the
// loop to exit.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
	s.logger.Info("Scheduler started", map[string]interface{}{
		"interval": s.interval.String(),
	})
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) {
	promoted := s.processor.PromoteDue(s.now().UTC())
	if promoted > 0 {
		s.logger.Debug("Promoted deferred notifications", map[string]interface{}{
			"count": promoted,
		})
	}
	s.processor.DrainImmediate(ctx)
}

func (s *Scheduler) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}
