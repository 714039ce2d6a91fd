// Package policy decides whether an inbound message may be answered.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"guidance-agent/internal/config"
	"guidance-agent/internal/domain"
	"guidance-agent/internal/repository"
)

type Verdict string

const (
	Allow            Verdict = "ALLOW"
	AllowWithWarning Verdict = "ALLOW_WITH_WARNING"
	Deny             Verdict = "DENY"
)

type Reason string

const (
	ReasonNone               Reason = ""
	ReasonOptedOut           Reason = "opted_out"
	ReasonQuotaExceeded      Reason = "quota_exceeded"
	ReasonServiceUnavailable Reason = "service_unavailable"
)

// Decision is the outcome for one inbound message.
type Decision struct {
	Verdict Verdict
	Reason  Reason
	// Identity is the usage counter the decision was made against.
	Identity string
	Count    int
	Cap      int
	// NewIdentity is set the first time a messaging identity is seen.
	NewIdentity bool
	Counter     *domain.UsageCounter
}

func (d Decision) Allowed() bool { return d.Verdict != Deny }

// Subject is who is asking.
type Subject struct {
	Channel domain.Channel
	Thread  domain.ThreadKey
	UserID  string
	Profile *domain.Profile
}

type Store interface {
	GetUsage(ctx context.Context, identity string) (*domain.UsageCounter, error)
	EnsureUsage(ctx context.Context, identity, userID string) (bool, error)
	ConsumeQuota(ctx context.Context, identity, userID, period string, limit int) (domain.UsageCounter, error)
}

type Engine struct {
	store  Store
	cfg    *config.Config
	logger *slog.Logger
}

func NewEngine(store Store, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("policy: store must not be nil")
	}
	if cfg == nil {
		return nil, errors.New("policy: config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, cfg: cfg, logger: logger}, nil
}

// Identity returns the usage counter key for s. Messaging counts per phone
// number. Web counts per thread on the free tier and per user on a paid
// plan.
func Identity(s Subject) string {
	if s.Channel == domain.ChannelWeb && s.UserID != "" && s.Profile != nil && s.Profile.Subscription.Paid {
		return "user:" + s.UserID
	}
	return s.Thread.String()
}

// Evaluate gates one inbound message. A granted decision has already
// consumed one unit of quota.
func (e *Engine) Evaluate(ctx context.Context, s Subject) Decision {
	identity := Identity(s)
	d := Decision{Identity: identity}

	usage, err := e.store.GetUsage(ctx, identity)
	if err != nil {
		return e.storeFailure(ctx, s, d, fmt.Errorf("policy: read usage: %w", err))
	}
	if usage == nil && s.Channel == domain.ChannelSMS {
		created, err := e.store.EnsureUsage(ctx, identity, s.UserID)
		if err != nil {
			return e.storeFailure(ctx, s, d, fmt.Errorf("policy: create usage: %w", err))
		}
		d.NewIdentity = created
	}

	snap := e.snapshot(s, usage)
	d.Cap = snap.MonthlyCap

	if s.Channel == domain.ChannelSMS && usage != nil && usage.OptedOut {
		d.Verdict, d.Reason, d.Counter = Deny, ReasonOptedOut, usage
		return d
	}
	if snap.Unlimited() {
		d.Verdict = Allow
		return d
	}

	period := ""
	if s.Channel == domain.ChannelWeb && !snap.Paid {
		period = repository.LifetimePeriod
	}
	counter, err := e.store.ConsumeQuota(ctx, identity, s.UserID, period, snap.MonthlyCap)
	switch {
	case errors.Is(err, repository.ErrQuotaExhausted):
		d.Verdict, d.Reason, d.Count, d.Counter = Deny, ReasonQuotaExceeded, counter.Count, &counter
		return d
	case err != nil:
		return e.storeFailure(ctx, s, d, fmt.Errorf("policy: consume quota: %w", err))
	}

	d.Count, d.Counter = counter.Count, &counter
	if counter.Count >= snap.MonthlyCap {
		d.Verdict = AllowWithWarning
	} else {
		d.Verdict = Allow
	}
	return d
}

// snapshot picks the subscription state: the counter's cached copy first,
// then the profile, then the channel's free tier.
func (e *Engine) snapshot(s Subject, usage *domain.UsageCounter) domain.SubscriptionSnapshot {
	if usage != nil && usage.Subscription != nil && usage.Subscription.Paid {
		return *usage.Subscription
	}
	if p := s.Profile; p != nil && p.Subscription.Paid {
		if !p.HasPlanCap {
			return domain.SubscriptionSnapshot{Paid: true, MonthlyCap: domain.UnlimitedCap}
		}
		return p.Subscription
	}
	return domain.SubscriptionSnapshot{MonthlyCap: e.cfg.FreeCap(s.Channel)}
}

// storeFailure fails open for paid callers and closed for everyone else.
func (e *Engine) storeFailure(ctx context.Context, s Subject, d Decision, err error) Decision {
	paid := s.Profile != nil && s.Profile.Subscription.Paid
	e.logger.ErrorContext(ctx, "usage store unavailable", "err", err, "channel", string(s.Channel), "paid", paid)
	if paid {
		d.Verdict = Allow
		return d
	}
	d.Verdict, d.Reason = Deny, ReasonServiceUnavailable
	return d
}
