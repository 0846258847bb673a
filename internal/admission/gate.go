package admission

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/smsgate/internal/xerrors"
)

// Gate makes joint admission decisions over the phone-number and account stores.
type Gate struct {
	cfg      Config
	phones   *Store
	accounts *Store

	now    func() time.Time
	tracer trace.Tracer

	// strict panics on invariant violations instead of failing the affected key closed
	strict bool

	// OnDecision is called after every decision with the locks already released
	OnDecision func(r Result)

	// OnInvariantViolation is called when a key's window is found in a state the
	// algorithm cannot work with. The attempt is denied for that dimension.
	OnInvariantViolation func(d Dimension, key string, err error)
}

type Option func(*Gate)

// WithClock sets the time source used by Admit. AttemptSend always takes now from the caller.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithStrictInvariants makes invariant violations panic. Meant for development and tests.
func WithStrictInvariants(strict bool) Option {
	return func(g *Gate) {
		g.strict = strict
	}
}

// WithOnDecision sets a callback for every decision, used for prometheus counters
func WithOnDecision(fn func(r Result)) Option {
	return func(g *Gate) {
		g.OnDecision = fn
	}
}

// WithOnInvariantViolation sets a callback for fail-closed invariant violations, used for logging and alerting
func WithOnInvariantViolation(fn func(d Dimension, key string, err error)) Option {
	return func(g *Gate) {
		g.OnInvariantViolation = fn
	}
}

// New validates cfg and returns a Gate with empty stores.
// Zero RetentionHorizon is replaced by DefaultRetentionHorizon before validation.
func New(cfg Config, opts ...Option) (*Gate, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, xerrors.Wrap(err, "admission gate")
	}
	g := &Gate{
		cfg:      cfg,
		phones:   NewStore(DimensionPhoneNumber),
		accounts: NewStore(DimensionAccount),
		now:      time.Now,
		tracer:   otel.Tracer("smsgate/admission"),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Config returns the quota policy the gate enforces.
func (g *Gate) Config() Config { return g.cfg }

// PhoneNumbers returns the per-phone-number store.
func (g *Gate) PhoneNumbers() *Store { return g.phones }

// Accounts returns the per-account store.
func (g *Gate) Accounts() *Store { return g.accounts }

// Admit decides like AttemptSend inside a trace span, reading the gate's clock
// only once the phone-number store is held. Admissions are serialized under that
// hold, so each call sees a time no earlier than the last one recorded.
func (g *Gate) Admit(ctx context.Context, phoneNumber, accountID string) Result {
	_, span := g.tracer.Start(ctx, "admission.attempt_send")
	defer span.End()

	r := g.decide(phoneNumber, accountID, g.now)
	span.SetAttributes(attribute.String("sms.admission.result", r.String()))
	return r
}

// AttemptSend decides whether a message for phoneNumber under accountID may be sent at now.
// On Admitted, now is recorded against both keys. On any denial neither store is changed,
// apart from dropping phone-number entries that had already expired.
//
// The phone-number store is held for the whole call and the account store is taken
// inside it. Calls are therefore serialized against each other, including calls for
// different phone numbers.
//
// now earlier than an entry already recorded for either key is an invariant violation.
func (g *Gate) AttemptSend(phoneNumber, accountID string, now time.Time) Result {
	return g.decide(phoneNumber, accountID, func() time.Time { return now })
}

func (g *Gate) decide(phoneNumber, accountID string, clock func() time.Time) Result {
	r := g.attempt(phoneNumber, accountID, clock)
	if g.OnDecision != nil {
		g.OnDecision(r)
	}
	return r
}

func (g *Gate) attempt(phoneNumber, accountID string, clock func() time.Time) Result {
	g.phones.lockUpgradeable()
	defer g.phones.unlockUpgradeable()
	now := clock()

	pw := g.phones.lookup(phoneNumber)
	pd, err := check(pw, g.cfg.MaxPerPhoneNumber, g.cfg.Window, now)
	if err != nil {
		g.violation(DimensionPhoneNumber, phoneNumber, err)
		return PhoneNumberLimited
	}
	if !pd.admit {
		return PhoneNumberLimited
	}
	if pd.evict {
		// stale regardless of how this attempt ends, safe to keep evicted on a later denial
		g.phones.exclusive(func() { pw.evictOlderThan(now, g.cfg.Window) })
		if pw.len() >= g.cfg.MaxPerPhoneNumber {
			g.violation(DimensionPhoneNumber, phoneNumber, xerrors.Newf("window still holds %d entries after eviction (max %d)", pw.len(), g.cfg.MaxPerPhoneNumber))
			return PhoneNumberLimited
		}
	}

	// lock order: phone numbers, then accounts. never the reverse.
	g.accounts.lockUpgradeable()
	defer g.accounts.unlockUpgradeable()

	aw := g.accounts.lookup(accountID)
	ad, err := check(aw, g.cfg.MaxPerAccount, g.cfg.Window, now)
	if err != nil {
		g.violation(DimensionAccount, accountID, err)
		g.dropIfEmpty(g.phones, phoneNumber, pw)
		return AccountLimited
	}
	if !ad.admit {
		g.dropIfEmpty(g.phones, phoneNumber, pw)
		return AccountLimited
	}
	if ad.evict {
		g.accounts.exclusive(func() { aw.evictOlderThan(now, g.cfg.Window) })
		if aw.len() >= g.cfg.MaxPerAccount {
			g.violation(DimensionAccount, accountID, xerrors.Newf("window still holds %d entries after eviction (max %d)", aw.len(), g.cfg.MaxPerAccount))
			g.dropIfEmpty(g.phones, phoneNumber, pw)
			return AccountLimited
		}
	}

	g.phones.exclusive(func() { g.phones.getOrCreate(phoneNumber).push(now) })
	g.accounts.exclusive(func() { g.accounts.getOrCreate(accountID).push(now) })
	return Admitted
}

// dropIfEmpty removes key when its window was emptied by eviction on an attempt that was then denied.
// Caller must hold s upgradeable.
func (g *Gate) dropIfEmpty(s *Store, key string, w *window) {
	if w == nil || w.len() > 0 {
		return
	}
	s.exclusive(func() { s.remove(key) })
}

func (g *Gate) violation(d Dimension, key string, err error) {
	if g.strict {
		panic(xerrors.Wrapf(err, "admission invariant violated for %s key %s", d, KeyDigest(key)))
	}
	if g.OnInvariantViolation != nil {
		g.OnInvariantViolation(d, key, err)
	}
}
