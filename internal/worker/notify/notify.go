// Package notify delivers operator alerts when a job run fails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
)

// Notifier sends one alert.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, subject, body string) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, subject, body string) error {
	return f(ctx, subject, body)
}

// Nop drops every alert.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, string, string) error { return nil }

// MaxSubjectArg caps how many payload bytes a failure subject quotes.
const MaxSubjectArg = 100

// FailureSubject formats the subject line of a failed run alert.
func FailureSubject(name string, payload []byte, err error) string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return fmt.Sprintf(`Error while calling "%s" with arg "%s": %s`, name, subjectArg(payload), firstLine(msg))
}

func subjectArg(payload []byte) string {
	arg := string(payload)
	if len(arg) > MaxSubjectArg {
		arg = arg[:MaxSubjectArg] + "..."
	}
	arg = strings.ToValidUTF8(arg, "?")
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, arg)
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

// Notify sends to all notifiers, even after one fails.
func (m Multi) Notify(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrThrottled is returned when an alert is dropped by the rate limiter.
var ErrThrottled = errors.New("notification throttled")

// Throttled drops alerts beyond a token-bucket rate so a burst of failing
// jobs cannot flood the operator.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewThrottled allows perSecond alerts on average with the given burst.
func NewThrottled(next Notifier, perSecond float64, burst int) *Throttled {
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Notify forwards the alert when a token is available.
func (t *Throttled) Notify(ctx context.Context, subject, body string) error {
	if !t.limiter.Allow() {
		return ErrThrottled
	}
	return t.next.Notify(ctx, subject, body)
}
