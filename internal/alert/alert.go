// Package alert forwards coordinator events to a Telegram ops channel.
//
// It is strictly an observer: it consumes bus events and never touches
// shift state. Losing an alert is acceptable; blocking the bus is not.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"shiftcast/internal/eventbus"
	logx "shiftcast/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64
	// RatePerSec caps Telegram sends. Default 1.
	RatePerSec int
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	cfg     Config
	bus     eventbus.Bus
	log     logx.Logger
	bot     sender
	limiter *rate.Limiter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, bus: bus, log: log}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, errors.New("alert: token and chat_id are required")
	}

	// Send-only: no poller, the bot never receives updates.
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: false})
	if err != nil {
		return nil, fmt.Errorf("alert: %w", err)
	}
	s.bot = bot

	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	return s, nil
}

func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled || s.bus == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	events, unsub := s.bus.Subscribe(64)
	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case <-rctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				s.handle(rctx, e)
			}
		}
	}()
	s.log.Info("ops alerter started", logx.Int64("chat_id", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("ops alerter stopped")
}

func (s *Service) handle(ctx context.Context, e eventbus.Event) {
	text := format(e)
	if text == "" {
		return
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}
	if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text); err != nil {
		s.log.Warn("alert send failed", logx.String("event", e.Type), logx.Err(err))
	}
}

// format renders one event as a Telegram message; empty means skip.
func format(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case eventbus.ShiftClaimed:
		return fmt.Sprintf("✅ shift %s claimed by %s", d.ShiftID, d.CaregiverID)
	case eventbus.SendFailed:
		return fmt.Sprintf("⚠️ %s send failed: shift %s caregiver %s: %s", d.Channel, d.ShiftID, d.CaregiverID, d.Err)
	case eventbus.FanoutRound:
		// Only rounds with failures or an escalation are worth a ping.
		switch {
		case d.Escalated:
			return fmt.Sprintf("📞 shift %s escalated to calls (%d recipients, %d failed)", d.ShiftID, d.Recipients, d.Failures)
		case d.Failures > 0:
			return fmt.Sprintf("⚠️ shift %s %s round: %d of %d sends failed", d.ShiftID, d.Channel, d.Failures, d.Recipients)
		default:
			return ""
		}
	default:
		return ""
	}
}
