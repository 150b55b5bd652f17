package model

import "time"

// PaymentStatus is the normalized state of a vendor transaction.
type PaymentStatus string

const (
	PaymentPaid       PaymentStatus = "paid"
	PaymentWaiting    PaymentStatus = "waiting_payment"
	PaymentCancelled  PaymentStatus = "cancelled"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentProcessing PaymentStatus = "processing"
)

// Transaction mirrors a payment reported by the payment vendor.
type Transaction struct {
	ID                   string        `json:"id" db:"id"`
	ExternalID           string        `json:"transaction_id" db:"external_id"`
	Amount               int64         `json:"amount" db:"amount"`
	Status               PaymentStatus `json:"status" db:"status"`
	CustomerEmailHash    string        `json:"-" db:"customer_email_hash"`
	CustomerDocumentHash string        `json:"-" db:"customer_document_hash"`
	PlanType             string        `json:"plan_type,omitempty" db:"plan_type"`
	ProductType          string        `json:"product_type,omitempty" db:"product_type"`
	IsSubscription       bool          `json:"is_subscription" db:"is_subscription"`
	PaidAt               *time.Time    `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt            time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at" db:"updated_at"`
}
