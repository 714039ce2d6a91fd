package domain

import "time"

// UnlimitedCap is the plan cap sentinel for plans without a message limit.
const UnlimitedCap = -1

// SubscriptionSnapshot is the subscription state the usage policy consumes.
// It is written by the billing collaborator; the core only reads it.
type SubscriptionSnapshot struct {
	Paid       bool
	MonthlyCap int
}

func (s SubscriptionSnapshot) Unlimited() bool {
	return s.MonthlyCap == UnlimitedCap
}

// UsageCounter tracks message consumption for one identity (a phone thread
// or a web thread).
type UsageCounter struct {
	Identity     string
	PeriodKey    string
	Count        int
	NudgesSent   int
	OptedOut     bool
	OptedOutAt   time.Time
	UserID       string
	Subscription *SubscriptionSnapshot
	CreatedAt    time.Time
}

// Profile is the registered-user record the core reads for personalisation
// and subscription state.
type Profile struct {
	UserID       string
	FirstName    string
	PhoneNumber  string
	Translation  string
	Plan         string
	Subscription SubscriptionSnapshot
	// HasPlanCap is false when the record carries no plan cap, so the
	// channel's free cap applies.
	HasPlanCap bool
}
