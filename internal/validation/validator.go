// Package validation holds the request validation rules of the control API.
package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/veranemoloko/drop-runner/internal/domain"
	errpkg "github.com/veranemoloko/drop-runner/internal/errors"
	"github.com/veranemoloko/drop-runner/internal/monitor"
)

var forbiddenHosts = []string{
	"localhost",
	"127.0.0.1",
	"::1",
	"0.0.0.0",
	"169.254.169.254",
}

// Validator checks tasks, profiles and proxy imports.
type Validator struct {
	v *validator.Validate
}

// New builds a Validator. allowPrivate lets storefront URLs point at
// loopback and private addresses, which local test storefronts need.
func New(allowPrivate bool) *Validator {
	v := validator.New()
	_ = v.RegisterValidation("storefront_url", storefrontURL(allowPrivate))
	_ = v.RegisterValidation("proxy_addr", validateProxyAddr)
	return &Validator{v: v}
}

// Struct validates s by its struct tags.
func (val *Validator) Struct(s any) error {
	return val.v.Struct(s)
}

// Task validates a task, including the shape of its product locator.
func (val *Validator) Task(task *domain.Task) error {
	if err := val.v.Struct(task); err != nil {
		return err
	}
	if monitor.ModeOf(task.Locator) == monitor.ModeUnknown {
		return errpkg.ErrInvalidLocator
	}
	return nil
}

// Profile validates a billing profile.
func (val *Validator) Profile(p *domain.Profile) error {
	if err := val.v.Struct(p); err != nil {
		return err
	}
	if !p.BillingMatchesShipping && p.Billing == nil {
		return fmt.Errorf("profile %s: billing address required when it differs from shipping", p.ID)
	}
	if p.Billing != nil && !p.BillingMatchesShipping {
		if err := val.v.Struct(p.Billing); err != nil {
			return err
		}
	}
	return nil
}

func storefrontURL(allowPrivate bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		if err != nil {
			return false
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return false
		}
		if u.Host == "" {
			return false
		}
		if allowPrivate {
			return true
		}

		host := u.Hostname()
		for _, forbidden := range forbiddenHosts {
			if strings.EqualFold(host, forbidden) {
				return false
			}
		}
		if ip := net.ParseIP(host); ip != nil {
			if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				return false
			}
		}
		return true
	}
}

func validateProxyAddr(fl validator.FieldLevel) bool {
	_, err := domain.ParseProxyURL(strings.TrimSpace(fl.Field().String()))
	return err == nil
}
