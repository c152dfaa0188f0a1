package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-clinic-checkout/internal/payment"
	"go.uber.org/zap"
)

// ErrTimeout means every attempt saw a non-terminal status. It says
// nothing about whether the payment happened.
var ErrTimeout = errors.New("settlement attempts exhausted")

type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("settlement policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.Interval < 0 {
		return fmt.Errorf("settlement policy: negative interval %s", p.Interval)
	}
	return nil
}

// Querier is the part of a gateway the poller needs.
type Querier interface {
	Query(ctx context.Context, h payment.Handle) (payment.Handle, error)
}

type Poller struct {
	Policy Policy
	Log    *zap.Logger
}

// Settle queries q until h reaches a terminal status or the policy's
// attempts run out. A handle that is already terminal returns at once.
// Query errors count as attempts. On ErrTimeout the returned handle
// carries the last status seen.
func (p *Poller) Settle(ctx context.Context, q Querier, h payment.Handle) (payment.Handle, error) {
	if err := p.Policy.Validate(); err != nil {
		return h, err
	}
	if h.Status.IsTerminal() {
		return h, nil
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for attempt := 1; attempt <= p.Policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if timer == nil {
				timer = time.NewTimer(p.Policy.Interval)
			} else {
				timer.Reset(p.Policy.Interval)
			}
			select {
			case <-ctx.Done():
				return h, ctx.Err()
			case <-timer.C:
			}
		}

		next, err := q.Query(ctx, h)
		if err != nil {
			log.Warn("settlement query failed",
				zap.String("reference", h.Reference),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if ctx.Err() != nil {
				return h, ctx.Err()
			}
			continue
		}
		h = next
		if h.Status.IsTerminal() {
			log.Debug("payment settled",
				zap.String("reference", h.Reference),
				zap.String("status", string(h.Status)),
				zap.Int("attempt", attempt))
			return h, nil
		}
	}
	return h, fmt.Errorf("%w: %s after %d attempts", ErrTimeout, h.Reference, p.Policy.MaxAttempts)
}
