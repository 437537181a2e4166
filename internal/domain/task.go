package domain

import (
	"time"
)

// Task is one configured checkout attempt.
type Task struct {
	ID      string   `json:"id" validate:"required,max=64"`
	Name    string   `json:"name,omitempty"`
	Locator Locator  `json:"locator"`
	Site    Site     `json:"site" validate:"required"`
	Sizes   []string `json:"sizes" validate:"required,min=1,dive,required"`

	Account   *Account `json:"account,omitempty"`
	ProfileID string   `json:"profile_id" validate:"required"`

	// Delays are in milliseconds. Zero falls back to the configured defaults.
	MonitorDelay int `json:"monitor_delay_ms" validate:"gte=0"`
	ErrorDelay   int `json:"error_delay_ms" validate:"gte=0"`

	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MonitorInterval returns the monitor delay, or def when unset.
func (t *Task) MonitorInterval(def time.Duration) time.Duration {
	if t.MonitorDelay <= 0 {
		return def
	}
	return time.Duration(t.MonitorDelay) * time.Millisecond
}

// ErrorInterval returns the error delay, or def when unset.
func (t *Task) ErrorInterval(def time.Duration) time.Duration {
	if t.ErrorDelay <= 0 {
		return def
	}
	return time.Duration(t.ErrorDelay) * time.Millisecond
}

// Locator identifies the product a task is after. Only the highest priority
// field that is set is used: VariantID, then URL, then keywords.
type Locator struct {
	Positive  []string `json:"positive,omitempty"`
	Negative  []string `json:"negative,omitempty"`
	VariantID string   `json:"variant_id,omitempty"`
	URL       string   `json:"url,omitempty" validate:"omitempty,url"`
}

// SizeSource names where a site keeps the size of a variant.
type SizeSource string

const (
	SizeFromOption1 SizeSource = "option1"
	SizeFromOption2 SizeSource = "option2"
	SizeFromOption3 SizeSource = "option3"
	SizeFromTitle   SizeSource = "title"
)

// Site is the storefront a task runs against.
type Site struct {
	Name       string     `json:"name" validate:"required"`
	BaseURL    string     `json:"base_url" validate:"required,storefront_url"`
	SizeSource SizeSource `json:"size_source,omitempty" validate:"omitempty,oneof=option1 option2 option3 title"`
}

// Account holds optional storefront login credentials.
type Account struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Address is a postal address as storefront forms expect it.
type Address struct {
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	Address1  string `json:"address1" validate:"required"`
	Address2  string `json:"address2,omitempty"`
	City      string `json:"city" validate:"required"`
	Country   string `json:"country" validate:"required"`
	Province  string `json:"province,omitempty"`
	Zip       string `json:"zip" validate:"required"`
	Phone     string `json:"phone,omitempty"`
}

// Card is relayed to the payment session endpoint as-is.
type Card struct {
	Number string `json:"number" validate:"required"`
	Name   string `json:"name" validate:"required"`
	Month  int    `json:"month" validate:"required,min=1,max=12"`
	Year   int    `json:"year" validate:"required"`
	CVV    string `json:"cvv" validate:"required"`
}

// Profile is the buyer data referenced by Task.ProfileID.
type Profile struct {
	ID                     string   `json:"id" validate:"required"`
	Email                  string   `json:"email" validate:"required,email"`
	Shipping               Address  `json:"shipping" validate:"required"`
	Billing                *Address `json:"billing,omitempty"`
	BillingMatchesShipping bool     `json:"billing_matches_shipping"`
	Card                   Card     `json:"card" validate:"required"`
}

// BillingAddress returns the address to submit at the billing step.
func (p *Profile) BillingAddress() Address {
	if p.BillingMatchesShipping || p.Billing == nil {
		return p.Shipping
	}
	return *p.Billing
}
