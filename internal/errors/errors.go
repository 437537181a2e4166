package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrProfileNotFound   = errors.New("profile not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrNoMatchingVariant = errors.New("no matching variant")
	ErrNoProxyAvailable  = errors.New("no proxy available")
	ErrProxyNotFound     = errors.New("proxy not found")
	ErrRunnerActive      = errors.New("runner already active")
	ErrInvalidLocator    = errors.New("task has no usable product locator")
	ErrNoOperations      = errors.New("no operations to race")
	ErrCaptchaRequired   = errors.New("captcha required")
	ErrAborted           = errors.New("stopped")
)

// Kind is the failure category the runner state machine branches on.
type Kind int

const (
	KindTransient Kind = iota
	KindBan
	KindNoMatch
	KindDeclined
	KindUnknownCheckout
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindBan:
		return "ban"
	case KindNoMatch:
		return "no_match"
	case KindDeclined:
		return "declined"
	case KindUnknownCheckout:
		return "unknown_checkout"
	case KindFatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Error is a classified failure. Message, when set, is meant for the user
// verbatim (a storefront's decline notice, for instance).
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify turns an HTTP status into a classified error.
// 403 and 429 are ban signals, any other status >= 400 is transient.
func Classify(op string, status int) error {
	switch {
	case status < http.StatusBadRequest:
		return nil
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return &Error{Kind: KindBan, Op: op, Status: status, Message: http.StatusText(status)}
	default:
		return &Error{Kind: KindTransient, Op: op, Status: status, Message: http.StatusText(status)}
	}
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// NoMatch wraps err as an expected "not there yet" result.
func NoMatch(op string, err error) error {
	return &Error{Kind: KindNoMatch, Op: op, Err: err}
}

// Declined carries the storefront's own decline message.
func Declined(op, message string) error {
	return &Error{Kind: KindDeclined, Op: op, Message: message}
}

// UnknownCheckout reports a page shape the pipeline does not recognize.
func UnknownCheckout(op, message string) error {
	return &Error{Kind: KindUnknownCheckout, Op: op, Message: message}
}

// Fatal wraps err as a failure that ends the runner.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// KindOf returns the category of err. Unclassified errors, including
// transport failures and timeouts, are transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ErrNoMatchingVariant):
		return KindNoMatch
	case errors.Is(err, ErrInvalidLocator):
		return KindFatal
	}
	return KindTransient
}

// IsBan reports whether err is a ban signal.
func IsBan(err error) bool { return err != nil && KindOf(err) == KindBan }

// IsCanceled reports whether err came from a cancelled or expired context
// or from a stop request.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrAborted)
}

// UserMessage returns the text to surface for err.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" && (e.Kind == KindDeclined || e.Kind == KindUnknownCheckout) {
		return e.Message
	}
	return err.Error()
}

// Strongest picks the category that should drive the runner when several
// concurrent attempts all failed: ban beats transient, transient beats no-match.
func Strongest(errs []error) error {
	var transient, noMatch, other error
	for _, err := range errs {
		if err == nil {
			continue
		}
		switch KindOf(err) {
		case KindBan:
			return err
		case KindTransient:
			if transient == nil {
				transient = err
			}
		case KindNoMatch:
			if noMatch == nil {
				noMatch = err
			}
		default:
			if other == nil {
				other = err
			}
		}
	}
	switch {
	case transient != nil:
		return transient
	case noMatch != nil:
		return noMatch
	default:
		return other
	}
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
