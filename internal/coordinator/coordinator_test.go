package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shiftcast/internal/audit"
	"shiftcast/internal/dispatch"
	"shiftcast/internal/domain"
	"shiftcast/internal/intent"
	"shiftcast/internal/store"
	logx "shiftcast/pkg/logx"
)

// fakeClock is an adjustable test clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Tick(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeChannel counts sends per phone, optionally failing some numbers.
type fakeChannel struct {
	mu    sync.Mutex
	sms   map[string]int
	calls map[string]int
	fail  map[string]error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{sms: map[string]int{}, calls: map[string]int{}}
}

func (f *fakeChannel) SendSMS(ctx context.Context, phone, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[phone]; err != nil {
		return err
	}
	f.sms[phone]++
	return nil
}

func (f *fakeChannel) PlaceCall(ctx context.Context, phone, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[phone]; err != nil {
		return err
	}
	f.calls[phone]++
	return nil
}

func (f *fakeChannel) smsTotal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.sms {
		n += v
	}
	return n
}

func (f *fakeChannel) callTotal() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.calls {
		n += v
	}
	return n
}

// countingClassifier wraps the keyword classifier and counts invocations.
type countingClassifier struct {
	inner intent.Classifier
	calls atomic.Int64
}

func (c *countingClassifier) Classify(ctx context.Context, body string) (domain.Intent, error) {
	c.calls.Add(1)
	return c.inner.Classify(ctx, body)
}

type failingClassifier struct{}

func (failingClassifier) Classify(ctx context.Context, body string) (domain.Intent, error) {
	return domain.IntentUnknown, errors.New("model unavailable")
}

type fixture struct {
	coord      *Coordinator
	clock      *fakeClock
	channel    *fakeChannel
	classifier *countingClassifier
	caregivers *store.Store[domain.Caregiver]
	shifts     *store.Store[domain.Shift]
	fanouts    *store.Store[domain.FanoutState]
}

type fixtureOpt func(*Deps)

func withAudit(st audit.Store) fixtureOpt {
	return func(d *Deps) { d.Audit = st }
}

func withClassifier(c intent.Classifier) fixtureOpt {
	return func(d *Deps) { d.Classifier = c }
}

func withNow(now func() time.Time) fixtureOpt {
	return func(d *Deps) { d.Now = now }
}

// newFixture builds a coordinator over the standard pool: Alice and Carol
// are RNs, Bob is an LPN, and shift s1 requires an RN.
func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	clock := newFakeClock()
	ch := newFakeChannel()
	cls := &countingClassifier{inner: intent.NewKeyword()}

	caregivers := store.New[domain.Caregiver]()
	shifts := store.New[domain.Shift]()
	fanouts := store.New[domain.FanoutState]()

	caregivers.Put("c1", domain.Caregiver{ID: "c1", Name: "Alice", Role: "RN", Phone: "+15551111"})
	caregivers.Put("c2", domain.Caregiver{ID: "c2", Name: "Bob", Role: "LPN", Phone: "+15552222"})
	caregivers.Put("c3", domain.Caregiver{ID: "c3", Name: "Carol", Role: "RN", Phone: "+15553333"})

	now := clock.Now()
	shifts.Put("s1", domain.Shift{
		ID:             "s1",
		OrganizationID: "org1",
		RoleRequired:   "RN",
		StartTime:      now,
		EndTime:        now.Add(8 * time.Hour),
	})

	deps := Deps{
		Caregivers: caregivers,
		Shifts:     shifts,
		Fanouts:    fanouts,
		Dispatcher: dispatch.New(dispatch.Config{RatePerSec: 1000}, ch, nil, nil, logx.Nop()),
		Classifier: cls,
		Log:        logx.Nop(),
		Now:        clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &fixture{
		coord:      New(deps),
		clock:      clock,
		channel:    ch,
		classifier: cls,
		caregivers: caregivers,
		shifts:     shifts,
		fanouts:    fanouts,
	}
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func TestAdvanceNotifiesEligibleBySMS(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	state, err := fx.coord.Advance(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !state.StartedAt.Equal(fx.clock.Now()) {
		t.Fatalf("StartedAt = %v, want %v", state.StartedAt, fx.clock.Now())
	}
	if state.Escalated {
		t.Fatal("escalated on first round")
	}
	if !contains(state.SMSNotified, "c1") || !contains(state.SMSNotified, "c3") {
		t.Fatalf("SMSNotified = %v, want c1 and c3", state.SMSNotified)
	}
	if contains(state.SMSNotified, "c2") {
		t.Fatal("LPN Bob must not be SMS-notified for an RN shift")
	}
	if len(state.SMSNotified) != 2 {
		t.Fatalf("SMSNotified = %v, want exactly 2 entries", state.SMSNotified)
	}
	if fx.channel.smsTotal() != 2 || fx.channel.callTotal() != 0 {
		t.Fatalf("sends sms=%d calls=%d, want 2/0", fx.channel.smsTotal(), fx.channel.callTotal())
	}
}

func TestAdvanceIsIdempotent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.coord.Advance(ctx, "s1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	second, err := fx.coord.Advance(ctx, "s1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if !second.StartedAt.Equal(first.StartedAt) {
		t.Fatal("StartedAt changed on repeat trigger")
	}
	if len(second.SMSNotified) != len(first.SMSNotified) {
		t.Fatalf("SMSNotified grew on repeat: %v -> %v", first.SMSNotified, second.SMSNotified)
	}
	if fx.channel.smsTotal() != 2 {
		t.Fatalf("smsTotal = %d, want 2 (no re-sends)", fx.channel.smsTotal())
	}
}

func TestEscalationBoundary(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.coord.Advance(ctx, "s1"); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// Strictly before the boundary: nothing escalates.
	fx.clock.Tick(9 * time.Minute)
	state, err := fx.coord.Advance(ctx, "s1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if state.Escalated || fx.channel.callTotal() != 0 {
		t.Fatalf("escalated early: escalated=%v calls=%d", state.Escalated, fx.channel.callTotal())
	}

	// At the boundary: escalate and call every eligible caregiver.
	fx.clock.Tick(time.Minute)
	state, err = fx.coord.Advance(ctx, "s1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !state.Escalated {
		t.Fatal("expected escalation at 10 minutes")
	}
	if !contains(state.CallNotified, "c1") || !contains(state.CallNotified, "c3") || len(state.CallNotified) != 2 {
		t.Fatalf("CallNotified = %v, want exactly c1 and c3", state.CallNotified)
	}
	if fx.channel.callTotal() != 2 {
		t.Fatalf("callTotal = %d, want 2", fx.channel.callTotal())
	}

	// Past the boundary: escalation fired once, no more calls.
	fx.clock.Tick(time.Minute)
	state, err = fx.coord.Advance(ctx, "s1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !state.Escalated || fx.channel.callTotal() != 2 {
		t.Fatalf("escalation not one-shot: escalated=%v calls=%d", state.Escalated, fx.channel.callTotal())
	}
}

func TestAdvanceUnknownShift(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	if _, err := fx.coord.Advance(context.Background(), "nope"); !errors.Is(err, domain.ErrShiftNotFound) {
		t.Fatalf("err = %v, want ErrShiftNotFound", err)
	}
}

// Concurrent triggers must behave like one: the notified-set marking inside
// the per-shift critical section is the only duplicate-send guard.
func TestConcurrentAdvanceSendsEachSMSOnce(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	const triggers = 32
	var wg sync.WaitGroup
	wg.Add(triggers)
	for i := 0; i < triggers; i++ {
		go func() {
			defer wg.Done()
			if _, err := fx.coord.Advance(ctx, "s1"); err != nil {
				t.Errorf("Advance: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := fx.channel.smsTotal(); got != 2 {
		t.Fatalf("smsTotal = %d, want exactly 2 across %d concurrent triggers", got, triggers)
	}
	state, _ := fx.fanouts.Get("s1")
	if len(state.SMSNotified) != 2 {
		t.Fatalf("SMSNotified = %v, want 2 unique entries", state.SMSNotified)
	}
}

func TestNotifiedSetsAreMonotonic(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.coord.Advance(ctx, "s1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// A newly eligible caregiver joins the pool; only they get the next SMS.
	fx.caregivers.Put("c4", domain.Caregiver{ID: "c4", Name: "Dana", Role: "RN", Phone: "+15554444"})
	second, err := fx.coord.Advance(ctx, "s1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}

	for _, id := range first.SMSNotified {
		if !contains(second.SMSNotified, id) {
			t.Fatalf("SMSNotified shrank: %v -> %v", first.SMSNotified, second.SMSNotified)
		}
	}
	if !contains(second.SMSNotified, "c4") || len(second.SMSNotified) != 3 {
		t.Fatalf("SMSNotified = %v, want the newcomer added once", second.SMSNotified)
	}
	if fx.channel.smsTotal() != 3 {
		t.Fatalf("smsTotal = %d, want 3", fx.channel.smsTotal())
	}
}

func TestFailedSendStaysMarked(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.channel.fail = map[string]error{"+15551111": errors.New("provider down")}
	ctx := context.Background()

	state, err := fx.coord.Advance(ctx, "s1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !contains(state.SMSNotified, "c1") {
		t.Fatal("failed send must still mark the caregiver notified")
	}

	// A retrigger must not re-attempt the failed recipient.
	if _, err := fx.coord.Advance(ctx, "s1"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if fx.channel.smsTotal() != 1 {
		t.Fatalf("smsTotal = %d, want 1 (only Carol's send succeeded, once)", fx.channel.smsTotal())
	}
}

func TestAcceptClaimsShift(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.coord.Advance(ctx, "s1"); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	resp, err := fx.coord.HandleInbound(ctx, domain.InboundMessage{
		FromPhone: "+15551111", ShiftID: "s1", Body: "Yes I can do it",
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if !resp.Success || resp.ClaimedBy != "c1" {
		t.Fatalf("resp = %+v, want success claimed by c1", resp)
	}
	if resp.Message != "Shift successfully claimed!" {
		t.Fatalf("Message = %q", resp.Message)
	}

	shift, _ := fx.shifts.Get("s1")
	if shift.ClaimedBy != "c1" {
		t.Fatalf("shift.ClaimedBy = %q, want c1", shift.ClaimedBy)
	}
	state, _ := fx.fanouts.Get("s1")
	if state.ClaimedBy != "c1" {
		t.Fatalf("state.ClaimedBy = %q, want c1", state.ClaimedBy)
	}
}

func TestSecondAcceptIsRejected(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.coord.HandleInbound(ctx, domain.InboundMessage{FromPhone: "+15551111", ShiftID: "s1", Body: "yes"}); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	resp, err := fx.coord.HandleInbound(ctx, domain.InboundMessage{FromPhone: "+15553333", ShiftID: "s1", Body: "Accept please"})
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if resp.Success {
		t.Fatal("second accept must not win")
	}
	if resp.Message != "Shift already claimed" || resp.ClaimedBy != "c1" {
		t.Fatalf("resp = %+v, want already-claimed naming c1", resp)
	}
}

// First-writer-wins: for N concurrent accepts exactly one succeeds and the
// losers all name the same winner.
func TestConcurrentAcceptsExactlyOneWinner(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	phones := []string{"+15551111", "+15553333"}
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		phone := "+1555900" + id
		fx.caregivers.Put("x"+id, domain.Caregiver{ID: "x" + id, Name: id, Role: "RN", Phone: phone})
		phones = append(phones, phone)
	}

	responses := make([]domain.ClaimResponse, len(phones))
	var wg sync.WaitGroup
	wg.Add(len(phones))
	for i, phone := range phones {
		i, phone := i, phone
		go func() {
			defer wg.Done()
			resp, err := fx.coord.HandleInbound(ctx, domain.InboundMessage{FromPhone: phone, ShiftID: "s1", Body: "yes"})
			if err != nil {
				t.Errorf("HandleInbound(%s): %v", phone, err)
				return
			}
			responses[i] = resp
		}()
	}
	wg.Wait()

	var winners int
	var winner string
	for _, r := range responses {
		if r.Success {
			winners++
			winner = r.ClaimedBy
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	for _, r := range responses {
		if !r.Success && r.ClaimedBy != winner {
			t.Fatalf("loser reports claimant %q, want %q", r.ClaimedBy, winner)
		}
	}
	shift, _ := fx.shifts.Get("s1")
	if shift.ClaimedBy != winner {
		t.Fatalf("shift.ClaimedBy = %q, want %q", shift.ClaimedBy, winner)
	}
}

func TestDeclineIsInert(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	resp, err := fx.coord.HandleInbound(ctx, domain.InboundMessage{FromPhone: "+15553333", ShiftID: "s1", Body: "No thanks"})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if resp.Success || resp.Message != "Shift declined" || resp.ClaimedBy != "" {
		t.Fatalf("resp = %+v", resp)
	}

	if _, err := fx.coord.HandleInbound(ctx, domain.InboundMessage{FromPhone: "+15551111", ShiftID: "s1", Body: "yes"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// A decline after the claim reports the claim and changes nothing.
	resp, err = fx.coord.HandleInbound(ctx, domain.InboundMessage{FromPhone: "+15553333", ShiftID: "s1", Body: "no"})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if resp.Success || resp.ClaimedBy != "c1" {
		t.Fatalf("resp = %+v, want inert decline reporting c1", resp)
	}
	shift, _ := fx.shifts.Get("s1")
	if shift.ClaimedBy != "c1" {
		t.Fatalf("shift.ClaimedBy = %q after decline, want c1", shift.ClaimedBy)
	}
}

func TestIneligibleRejectedBeforeClassification(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	resp, err := fx.coord.HandleInbound(context.Background(), domain.InboundMessage{
		FromPhone: "+15552222", ShiftID: "s1", Body: "Yes",
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if resp.Success || resp.Message != "Not eligible for this shift role" {
		t.Fatalf("resp = %+v", resp)
	}
	if got := fx.classifier.calls.Load(); got != 0 {
		t.Fatalf("classifier invoked %d times for an ineligible caregiver, want 0", got)
	}
	state, ok := fx.fanouts.Get("s1")
	if ok && state.ClaimedBy != "" {
		t.Fatalf("ineligible accept mutated state: %+v", state)
	}
}

func TestUnknownPhoneAndShift(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.coord.HandleInbound(ctx, domain.InboundMessage{FromPhone: "+19990000", ShiftID: "s1", Body: "yes"}); !errors.Is(err, domain.ErrCaregiverNotFound) {
		t.Fatalf("err = %v, want ErrCaregiverNotFound", err)
	}
	if _, err := fx.coord.HandleInbound(ctx, domain.InboundMessage{FromPhone: "+15551111", ShiftID: "nope", Body: "yes"}); !errors.Is(err, domain.ErrShiftNotFound) {
		t.Fatalf("err = %v, want ErrShiftNotFound", err)
	}
}

func TestUnknownIntent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	resp, err := fx.coord.HandleInbound(context.Background(), domain.InboundMessage{
		FromPhone: "+15551111", ShiftID: "s1", Body: "what is this about?",
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if resp.Success || resp.Message != "Intent unknown" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestClassifierErrorDegradesToUnknown(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, withClassifier(failingClassifier{}))

	resp, err := fx.coord.HandleInbound(context.Background(), domain.InboundMessage{
		FromPhone: "+15551111", ShiftID: "s1", Body: "yes",
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if resp.Success || resp.Message != "Intent unknown" {
		t.Fatalf("resp = %+v, want unknown-intent response", resp)
	}
}

func TestClaimWithoutPriorFanout(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	resp, err := fx.coord.HandleInbound(context.Background(), domain.InboundMessage{
		FromPhone: "+15551111", ShiftID: "s1", Body: "yes",
	})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if !resp.Success {
		t.Fatalf("resp = %+v, want success without a prior trigger", resp)
	}
	state, ok := fx.fanouts.Get("s1")
	if !ok {
		t.Fatal("claim must lazily create the fanout state")
	}
	if state.ClaimedBy != "c1" || !state.StartedAt.Equal(fx.clock.Now()) {
		t.Fatalf("state = %+v", state)
	}
}

func TestAdvanceAfterClaimIsANoop(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.coord.HandleInbound(ctx, domain.InboundMessage{FromPhone: "+15551111", ShiftID: "s1", Body: "yes"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	state, err := fx.coord.Advance(ctx, "s1")
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if len(state.SMSNotified) != 0 || fx.channel.smsTotal() != 0 {
		t.Fatalf("claimed shift still fanned out: state=%+v sends=%d", state, fx.channel.smsTotal())
	}
}

func TestDuplicateInboundDelivery(t *testing.T) {
	t.Parallel()
	st, err := audit.Open(audit.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	// The file store's dedup expiry compares against wall time, so this test
	// runs on the real clock.
	fx := newFixture(t, withAudit(st), withNow(time.Now))
	ctx := context.Background()

	msg := domain.InboundMessage{FromPhone: "+15551111", ShiftID: "s1", Body: "yes", MessageID: "SM123"}
	first, err := fx.coord.HandleInbound(ctx, msg)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !first.Success {
		t.Fatalf("first = %+v", first)
	}

	replay, err := fx.coord.HandleInbound(ctx, msg)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Success || replay.Message != "Duplicate message delivery" {
		t.Fatalf("replay = %+v, want duplicate drop", replay)
	}
	if replay.ClaimedBy != "c1" {
		t.Fatalf("replay.ClaimedBy = %q, want c1", replay.ClaimedBy)
	}
}

func TestUnclaimedShifts(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	now := fx.clock.Now()

	fx.shifts.Put("s2", domain.Shift{ID: "s2", RoleRequired: "RN", EndTime: now.Add(time.Hour), ClaimedBy: "c1"})
	fx.shifts.Put("s3", domain.Shift{ID: "s3", RoleRequired: "RN", EndTime: now.Add(-time.Hour)})

	open := fx.coord.UnclaimedShifts(now)
	if len(open) != 1 || open[0].ID != "s1" {
		t.Fatalf("UnclaimedShifts = %+v, want only s1", open)
	}
}
