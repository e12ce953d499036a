// Package dispatch fans one round of notifications out to caregivers.
//
// Sends within a round run concurrently and fail independently: one slow or
// broken send never blocks the others and never fails the round. Recipients
// are already marked notified by the coordinator before Dispatch is called,
// so a failed send is reported and audited, never retried here.
package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"shiftcast/internal/audit"
	"shiftcast/internal/channel"
	"shiftcast/internal/domain"
	"shiftcast/internal/eventbus"
	logx "shiftcast/pkg/logx"
)

type Config struct {
	// RatePerSec caps sends per second across all shifts. Default 10.
	RatePerSec int
	// SendTimeout bounds one send. Default 10s.
	SendTimeout time.Duration
}

// Send is one (caregiver, message) pair within a round.
type Send struct {
	Caregiver domain.Caregiver
	Message   string
}

// Result reports one send's outcome. Err is nil on success.
type Result struct {
	CaregiverID string
	Err         error
}

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	ch    channel.Channel
	bus   eventbus.Bus
	store audit.Store
	log   logx.Logger
}

func New(cfg Config, ch channel.Channel, bus eventbus.Bus, store audit.Store, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{ch: ch, bus: bus, store: store, log: log}
	d.Apply(cfg)
	return d
}

// Apply swaps rate/timeout settings at runtime. Safe to call concurrently
// with in-flight rounds.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	d.mu.Unlock()
}

// Dispatch issues every send in the round and blocks until all complete.
// The returned results are in no particular order.
func (d *Dispatcher) Dispatch(ctx context.Context, shiftID string, kind domain.ContactChannel, sends []Send) []Result {
	if len(sends) == 0 {
		return nil
	}

	start := time.Now()
	results := make([]Result, len(sends))
	var wg sync.WaitGroup
	wg.Add(len(sends))
	for i, s := range sends {
		i, s := i, s
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic in dispatch send",
						logx.String("shift", shiftID),
						logx.String("caregiver", s.Caregiver.ID),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			results[i] = Result{CaregiverID: s.Caregiver.ID, Err: d.sendOne(ctx, shiftID, kind, s)}
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	fields := []logx.Field{
		logx.String("shift", shiftID),
		logx.String("channel", string(kind)),
		logx.Int("total", len(sends)),
		logx.Int("failed", failed),
		logx.Duration("dur", time.Since(start)),
	}
	if failed > 0 {
		d.log.Warn("notification round finished with failures", fields...)
	} else {
		d.log.Info("notification round finished", fields...)
	}
	return results
}

func (d *Dispatcher) sendOne(ctx context.Context, shiftID string, kind domain.ContactChannel, s Send) error {
	// Snapshot mutable dependencies to avoid races with Apply().
	d.mu.Lock()
	lim := d.limiter
	timeout := d.cfg.SendTimeout
	d.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			d.record(ctx, shiftID, kind, s, err)
			return err
		}
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch kind {
	case domain.ChannelCall:
		err = d.ch.PlaceCall(sctx, s.Caregiver.Phone, s.Message)
	default:
		err = d.ch.SendSMS(sctx, s.Caregiver.Phone, s.Message)
	}
	if err != nil {
		d.log.Warn("notification send failed",
			logx.String("shift", shiftID),
			logx.String("caregiver", s.Caregiver.ID),
			logx.String("channel", string(kind)),
			logx.Err(err))
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeSendFailed, Data: eventbus.SendFailed{
				ShiftID:     shiftID,
				CaregiverID: s.Caregiver.ID,
				Channel:     kind,
				Err:         err.Error(),
			}})
		}
	}
	d.record(ctx, shiftID, kind, s, err)
	return err
}

func (d *Dispatcher) record(ctx context.Context, shiftID string, kind domain.ContactChannel, s Send, sendErr error) {
	if d.store == nil {
		return
	}
	e := audit.DeliveryEntry{
		ID:          uuid.NewString(),
		At:          time.Now(),
		ShiftID:     shiftID,
		CaregiverID: s.Caregiver.ID,
		Channel:     kind,
		OK:          sendErr == nil,
	}
	if sendErr != nil {
		e.Error = sendErr.Error()
	}
	if err := d.store.AppendDelivery(ctx, e); err != nil {
		d.log.Debug("delivery audit append failed", logx.Err(err))
	}
}
