// Package resources is the priced-content catalog: every pay-per-view
// resource the gate can challenge for is registered here with its
// price, payee wallet, and how long a purchase stays valid.
package resources

import (
	"errors"
	"time"
)

// ErrResourceNotFound is returned when no resource matches.
var ErrResourceNotFound = errors.New("resource not found")

// Resource is one priced piece of content. Price is a USDC decimal
// string. GrantTTLSeconds of zero means a purchase never expires.
// ContentURL, when set, is where the granted content is served from.
type Resource struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Payee           string    `json:"payee"` // wallet that receives the payee split
	Price           string    `json:"price"`
	ContentURL      string    `json:"contentUrl,omitempty"`
	GrantTTLSeconds int64     `json:"grantTtlSeconds"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// GrantTTL returns the access duration a purchase buys, zero meaning
// permanent.
func (r *Resource) GrantTTL() time.Duration {
	return time.Duration(r.GrantTTLSeconds) * time.Second
}

// RegisterRequest creates a new catalog entry.
type RegisterRequest struct {
	Title           string `json:"title" binding:"required"`
	Payee           string `json:"payee" binding:"required"`
	Price           string `json:"price" binding:"required"`
	ContentURL      string `json:"contentUrl"`
	GrantTTLSeconds int64  `json:"grantTtlSeconds"`
}
