package model

import (
	"math"
	"time"
)

// PlanType is the billing cadence of a subscription.
type PlanType string

const (
	PlanWeekly  PlanType = "weekly" // legacy, kept for existing subscribers
	PlanMonthly PlanType = "monthly"
	PlanYearly  PlanType = "yearly"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionSuspended SubscriptionStatus = "suspended"
)

// Subscription is a recurring billing agreement bound to exactly one license.
type Subscription struct {
	ID                 string             `json:"id" db:"id"`
	LicenseID          string             `json:"license_id" db:"license_id"`
	CustomerEmailHash  string             `json:"-" db:"customer_email_hash"`
	ProductType        string             `json:"product_type" db:"product_type"`
	PlanType           PlanType           `json:"plan_type" db:"plan_type"`
	Status             SubscriptionStatus `json:"status" db:"status"`
	Amount             int64              `json:"amount" db:"amount"`
	StartedAt          time.Time          `json:"started_at" db:"started_at"`
	CurrentPeriodStart time.Time          `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end" db:"current_period_end"`
	NextBillingDate    time.Time          `json:"next_billing_date" db:"next_billing_date"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

// DaysRemaining is a display helper. Status stays authoritative even when
// the sweep has not yet caught up with an elapsed period.
func (s *Subscription) DaysRemaining(now time.Time) int {
	left := s.CurrentPeriodEnd.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

// SubscriptionPayment is one confirmed payment applied to a subscription.
type SubscriptionPayment struct {
	ID             string    `json:"id" db:"id"`
	SubscriptionID string    `json:"subscription_id" db:"subscription_id"`
	TransactionID  string    `json:"transaction_id" db:"transaction_id"`
	Amount         int64     `json:"amount" db:"amount"`
	PeriodStart    time.Time `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time `json:"period_end" db:"period_end"`
	PaidAt         time.Time `json:"paid_at" db:"paid_at"`
}
