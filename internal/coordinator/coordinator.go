// Package coordinator drives per-shift notification fanout and resolves
// first-come claims.
//
// All mutation of one shift's state happens inside that shift's critical
// section: concurrent triggers cannot double-send and concurrent accepts
// cannot both win. Different shifts proceed fully in parallel.
package coordinator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"shiftcast/internal/audit"
	"shiftcast/internal/dispatch"
	"shiftcast/internal/domain"
	"shiftcast/internal/eventbus"
	"shiftcast/internal/intent"
	"shiftcast/internal/store"
	logx "shiftcast/pkg/logx"
)

// User-facing strings. The transport returns these verbatim, so treat them
// as part of the API.
const (
	msgShiftAvailable = "New shift available! ID: %s"
	msgShiftUrgent    = "Urgent: Shift available! ID: %s"

	msgClaimed        = "Shift successfully claimed!"
	msgAlreadyClaimed = "Shift already claimed"
	msgIneligible     = "Not eligible for this shift role"
	msgDeclined       = "Shift declined"
	msgIntentUnknown  = "Intent unknown"
	msgDuplicate      = "Duplicate message delivery"
)

// Deps carries everything the coordinator needs. Stores are constructed by
// the composer (or the test) and injected; the coordinator owns no globals.
type Deps struct {
	Caregivers *store.Store[domain.Caregiver]
	Shifts     *store.Store[domain.Shift]
	Fanouts    *store.Store[domain.FanoutState]

	Dispatcher *dispatch.Dispatcher
	Classifier intent.Classifier
	Bus        eventbus.Bus
	Audit      audit.Store // nil disables auditing and inbound dedup
	Log        logx.Logger

	// EscalateAfter is the SMS -> call upgrade delay. Default 10m.
	EscalateAfter time.Duration
	// DedupWindow is how long inbound message ids are remembered. Default 1h.
	DedupWindow time.Duration
	// Now is the clock; tests override it. Default time.Now.
	Now func() time.Time
}

type Coordinator struct {
	caregivers *store.Store[domain.Caregiver]
	shifts     *store.Store[domain.Shift]
	fanouts    *store.Store[domain.FanoutState]

	dispatcher *dispatch.Dispatcher
	classifier intent.Classifier
	bus        eventbus.Bus
	audit      audit.Store
	log        logx.Logger

	escalateAfter time.Duration
	dedupWindow   time.Duration
	now           func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(d Deps) *Coordinator {
	if d.EscalateAfter <= 0 {
		d.EscalateAfter = 10 * time.Minute
	}
	if d.DedupWindow <= 0 {
		d.DedupWindow = time.Hour
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Coordinator{
		caregivers:    d.Caregivers,
		shifts:        d.Shifts,
		fanouts:       d.Fanouts,
		dispatcher:    d.Dispatcher,
		classifier:    d.Classifier,
		bus:           d.Bus,
		audit:         d.Audit,
		log:           d.Log,
		escalateAfter: d.EscalateAfter,
		dedupWindow:   d.DedupWindow,
		now:           d.Now,
	}
}

// shiftLock returns the mutex serializing all mutation of one shift's state.
func (c *Coordinator) shiftLock(shiftID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	if c.locks == nil {
		c.locks = map[string]*sync.Mutex{}
	}
	mu, ok := c.locks[shiftID]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[shiftID] = mu
	}
	return mu
}

// Advance runs one fanout round for the shift. It is idempotent: repeated
// and concurrent triggers never re-notify a caregiver, and a claimed shift
// is returned unchanged.
func (c *Coordinator) Advance(ctx context.Context, shiftID string) (domain.FanoutState, error) {
	shift, ok := c.shifts.Get(shiftID)
	if !ok {
		return domain.FanoutState{}, domain.ErrShiftNotFound
	}

	mu := c.shiftLock(shiftID)
	mu.Lock()

	state, ok := c.fanouts.Get(shiftID)
	if !ok {
		// Persist immediately: started_at anchors the escalation clock and
		// must survive even if this round fails half-way.
		state = domain.FanoutState{ShiftID: shiftID, StartedAt: c.now()}
		c.fanouts.Put(shiftID, state)
	}
	if state.ClaimedBy != "" {
		snap := state.Clone()
		mu.Unlock()
		return snap, nil
	}

	eligible := Eligible(shift, c.caregivers.All())

	// Mark-before-send: membership in the notified sets is the only guard
	// against double sends under concurrent triggers, so marking must be
	// visible before any send is issued. Sends happen after unlock.
	var smsRound []dispatch.Send
	for _, cg := range eligible {
		if !slices.Contains(state.SMSNotified, cg.ID) {
			state.SMSNotified = append(state.SMSNotified, cg.ID)
			smsRound = append(smsRound, dispatch.Send{
				Caregiver: cg,
				Message:   fmt.Sprintf(msgShiftAvailable, shift.ID),
			})
		}
	}

	var callRound []dispatch.Send
	if !state.Escalated && c.now().Sub(state.StartedAt) >= c.escalateAfter {
		state.Escalated = true
		// Escalation broadens the net: every eligible caregiver not yet
		// called gets one, including those already texted.
		for _, cg := range eligible {
			if !slices.Contains(state.CallNotified, cg.ID) {
				state.CallNotified = append(state.CallNotified, cg.ID)
				callRound = append(callRound, dispatch.Send{
					Caregiver: cg,
					Message:   fmt.Sprintf(msgShiftUrgent, shift.ID),
				})
			}
		}
		c.log.Info("escalated to calls", logx.String("shift", shiftID), logx.Int("recipients", len(callRound)))
	}

	c.fanouts.Put(shiftID, state)
	snap := state.Clone()
	mu.Unlock()

	if len(smsRound) > 0 {
		results := c.dispatcher.Dispatch(ctx, shiftID, domain.ChannelSMS, smsRound)
		c.publishRound(shiftID, domain.ChannelSMS, results, false)
	}
	if len(callRound) > 0 {
		results := c.dispatcher.Dispatch(ctx, shiftID, domain.ChannelCall, callRound)
		c.publishRound(shiftID, domain.ChannelCall, results, true)
	}
	return snap, nil
}

func (c *Coordinator) publishRound(shiftID string, kind domain.ContactChannel, results []dispatch.Result, escalated bool) {
	if c.bus == nil {
		return
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeFanoutRound, Data: eventbus.FanoutRound{
		ShiftID:    shiftID,
		Channel:    kind,
		Recipients: len(results),
		Failures:   failed,
		Escalated:  escalated,
	}})
}

// HandleInbound resolves one caregiver reply. Lookup failures are errors;
// every other outcome is a structured ClaimResponse.
func (c *Coordinator) HandleInbound(ctx context.Context, msg domain.InboundMessage) (domain.ClaimResponse, error) {
	caregiver, ok := c.caregiverByPhone(msg.FromPhone)
	if !ok {
		return domain.ClaimResponse{}, domain.ErrCaregiverNotFound
	}
	shift, ok := c.shifts.Get(msg.ShiftID)
	if !ok {
		return domain.ClaimResponse{}, domain.ErrShiftNotFound
	}

	// Eligibility gate comes before intent classification: ineligible
	// caregivers never cost a classifier call.
	if caregiver.Role != shift.RoleRequired {
		return c.status(shift.ID, msgIneligible), nil
	}

	// Messaging providers redeliver webhooks; replays short-circuit here.
	if c.seenBefore(ctx, msg) {
		c.log.Debug("duplicate inbound message dropped",
			logx.String("shift", shift.ID), logx.String("message_id", msg.MessageID))
		return c.status(shift.ID, msgDuplicate), nil
	}

	// The only suspension point on this path. Never inside the shift lock.
	it, err := c.classifier.Classify(ctx, msg.Body)
	if err != nil {
		c.log.Warn("intent classification failed; treating as unknown",
			logx.String("shift", shift.ID), logx.Err(err))
		it = domain.IntentUnknown
	}

	var resp domain.ClaimResponse
	switch it {
	case domain.IntentAccept:
		resp = c.claim(ctx, shift.ID, caregiver)
	case domain.IntentDecline:
		// Declines are inert: report current status, mutate nothing.
		resp = c.status(shift.ID, msgDeclined)
	default:
		resp = c.status(shift.ID, msgIntentUnknown)
	}
	c.markSeen(ctx, msg)
	return resp, nil
}

// claim is the safety-critical test-and-set: under the shift lock, the first
// writer wins and everyone after gets the winner's identity back.
func (c *Coordinator) claim(ctx context.Context, shiftID string, caregiver domain.Caregiver) domain.ClaimResponse {
	mu := c.shiftLock(shiftID)
	mu.Lock()

	state, ok := c.fanouts.Get(shiftID)
	if !ok {
		// First contact without a prior fanout trigger: anchor the state now
		// so the claim has somewhere to live.
		state = domain.FanoutState{ShiftID: shiftID, StartedAt: c.now()}
	}
	if state.ClaimedBy != "" {
		winner := state.ClaimedBy
		mu.Unlock()
		c.auditClaim(ctx, shiftID, caregiver.ID, false, msgAlreadyClaimed)
		return domain.ClaimResponse{Success: false, Message: msgAlreadyClaimed, ShiftID: shiftID, ClaimedBy: winner}
	}

	state.ClaimedBy = caregiver.ID
	c.fanouts.Put(shiftID, state)
	if shift, ok := c.shifts.Get(shiftID); ok {
		shift.ClaimedBy = caregiver.ID
		c.shifts.Put(shiftID, shift)
	}
	mu.Unlock()

	c.log.Info("shift claimed", logx.String("shift", shiftID), logx.String("caregiver", caregiver.ID))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeShiftClaimed, Data: eventbus.ShiftClaimed{
			ShiftID:     shiftID,
			CaregiverID: caregiver.ID,
		}})
	}
	c.auditClaim(ctx, shiftID, caregiver.ID, true, "")
	return domain.ClaimResponse{Success: true, Message: msgClaimed, ShiftID: shiftID, ClaimedBy: caregiver.ID}
}

// UnclaimedShifts lists shifts still worth fanning out: unclaimed and not
// yet ended. Used by the periodic sweeper.
func (c *Coordinator) UnclaimedShifts(now time.Time) []domain.Shift {
	var out []domain.Shift
	for _, s := range c.shifts.All() {
		if s.ClaimedBy == "" && s.EndTime.After(now) {
			out = append(out, s)
		}
	}
	return out
}

func (c *Coordinator) caregiverByPhone(phone string) (domain.Caregiver, bool) {
	for _, cg := range c.caregivers.All() {
		if cg.Phone == phone {
			return cg, true
		}
	}
	return domain.Caregiver{}, false
}

// status builds a non-success response carrying the shift's current claimant.
func (c *Coordinator) status(shiftID, message string) domain.ClaimResponse {
	claimedBy := ""
	if shift, ok := c.shifts.Get(shiftID); ok {
		claimedBy = shift.ClaimedBy
	}
	return domain.ClaimResponse{Success: false, Message: message, ShiftID: shiftID, ClaimedBy: claimedBy}
}

func (c *Coordinator) seenBefore(ctx context.Context, msg domain.InboundMessage) bool {
	if c.audit == nil || msg.MessageID == "" {
		return false
	}
	_, ok, err := c.audit.GetDedup(ctx, "inbound:"+msg.MessageID)
	if err != nil {
		c.log.Debug("dedup lookup failed", logx.Err(err))
		return false
	}
	return ok
}

func (c *Coordinator) markSeen(ctx context.Context, msg domain.InboundMessage) {
	if c.audit == nil || msg.MessageID == "" {
		return
	}
	if err := c.audit.PutDedup(ctx, "inbound:"+msg.MessageID, c.now().Add(c.dedupWindow)); err != nil {
		c.log.Debug("dedup store failed", logx.Err(err))
	}
}

func (c *Coordinator) auditClaim(ctx context.Context, shiftID, caregiverID string, won bool, reason string) {
	if c.audit == nil {
		return
	}
	err := c.audit.AppendClaim(ctx, audit.ClaimEntry{
		ID:          uuid.NewString(),
		At:          c.now(),
		ShiftID:     shiftID,
		CaregiverID: caregiverID,
		Won:         won,
		Reason:      reason,
	})
	if err != nil {
		c.log.Debug("claim audit append failed", logx.Err(err))
	}
}
