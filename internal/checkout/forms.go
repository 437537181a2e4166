package checkout

import (
	"net/url"
	"strconv"

	"github.com/veranemoloko/drop-runner/internal/domain"
)

func addressFields(form url.Values, prefix string, a domain.Address) {
	set := func(k, v string) { form.Set(prefix+"["+k+"]", v) }
	set("first_name", a.FirstName)
	set("last_name", a.LastName)
	set("address1", a.Address1)
	set("address2", a.Address2)
	set("city", a.City)
	set("country", a.Country)
	set("province", a.Province)
	set("zip", a.Zip)
	set("phone", a.Phone)
}

func mergeFields(form url.Values, extra map[string]string) {
	for k, v := range extra {
		form.Set(k, v)
	}
}

func loginForm(acc *domain.Account) url.Values {
	form := url.Values{}
	form.Set("form_type", "customer_login")
	form.Set("utf8", "✓")
	form.Set("customer[email]", acc.Email)
	form.Set("customer[password]", acc.Password)
	return form
}

func cartForm(v domain.Variant, q SiteQuirk) url.Values {
	form := url.Values{}
	form.Set("id", v.ID)
	form.Set("quantity", "1")
	mergeFields(form, q.CartFields)
	return form
}

func contactForm(s *Session, prof *domain.Profile, q SiteQuirk) url.Values {
	form := url.Values{}
	form.Set("_method", "patch")
	form.Set("authenticity_token", s.Token)
	form.Set("previous_step", "contact_information")
	form.Set("step", "shipping_method")
	form.Set("checkout[email]", prof.Email)
	form.Set("checkout[buyer_accepts_marketing]", "0")
	addressFields(form, "checkout[shipping_address]", prof.Shipping)
	if s.CaptchaToken != "" {
		form.Set("g-recaptcha-response", s.CaptchaToken)
	}
	mergeFields(form, q.CheckoutFields)
	return form
}

func shippingMethodForm(s *Session) url.Values {
	form := url.Values{}
	form.Set("_method", "patch")
	form.Set("authenticity_token", s.Token)
	form.Set("previous_step", "shipping_method")
	form.Set("step", "payment_method")
	form.Set("checkout[shipping_rate][id]", s.ShippingRate)
	return form
}

func billingForm(s *Session, prof *domain.Profile) url.Values {
	form := url.Values{}
	form.Set("_method", "patch")
	form.Set("authenticity_token", s.Token)
	form.Set("previous_step", "payment_method")
	form.Set("step", "")
	form.Set("s", s.PaymentSession)
	form.Set("checkout[payment_gateway]", s.Gateway)
	form.Set("checkout[credit_card][vault]", "false")
	form.Set("checkout[total_price]", s.Price)
	form.Set("complete", "1")

	different := !prof.BillingMatchesShipping && prof.Billing != nil
	form.Set("checkout[different_billing_address]", strconv.FormatBool(different))
	if different {
		addressFields(form, "checkout[billing_address]", prof.BillingAddress())
	}
	return form
}

type creditCard struct {
	Number            string `json:"number"`
	Name              string `json:"name"`
	Month             int    `json:"month"`
	Year              int    `json:"year"`
	VerificationValue string `json:"verification_value"`
}

type paymentSessionRequest struct {
	CreditCard creditCard `json:"credit_card"`
}

func paymentBody(card domain.Card) paymentSessionRequest {
	return paymentSessionRequest{CreditCard: creditCard{
		Number:            card.Number,
		Name:              card.Name,
		Month:             card.Month,
		Year:              card.Year,
		VerificationValue: card.CVV,
	}}
}
