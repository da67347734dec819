// Package payment records gateway orders for queue entries and confirms
// them once the gateway's signature checks out.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

type Provider string

const (
	ProviderRazorpay Provider = "RAZORPAY"
	ProviderCash     Provider = "CASH"
)

type Status string

const (
	StatusCreated Status = "CREATED"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
)

const defaultCurrency = "INR"

// Payment is one gateway order. Amount is in the currency's minor unit.
type Payment struct {
	ID        uuid.UUID `json:"id"`
	Provider  Provider  `json:"provider"`
	OrderID   string    `json:"orderId"`
	PaymentID *string   `json:"paymentId,omitempty"`
	Signature *string   `json:"-"`
	Amount    int       `json:"amount"`
	Currency  string    `json:"currency"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OrderRequest links an order created at the gateway to a queue entry.
// Amount is in major units.
type OrderRequest struct {
	QueueID uuid.UUID `json:"queueId"`
	OrderID string    `json:"orderId"`
	Amount  int       `json:"amount"`
}

// VerifyRequest is the gateway callback returned by the checkout.
type VerifyRequest struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId"`
	Signature string `json:"signature"`
}

// Sign computes the gateway signature of a payment: hex HMAC-SHA256 of
// "orderId|paymentId" under secret.
func Sign(orderID, paymentID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature was produced by the gateway
// for this order and payment.
func VerifySignature(orderID, paymentID, signature, secret string) bool {
	expected := Sign(orderID, paymentID, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
