package email

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/tier"

	"go.uber.org/zap"
)

type Kind string

const (
	KindSubscriptionActive Kind = "subscription_active"
	KindPaymentFailed      Kind = "payment_failed"
	KindSubscriptionEnded  Kind = "subscription_ended"
)

type Message struct {
	Kind      Kind
	To        string
	Tier      tier.Tier
	PeriodEnd *time.Time
}

// Notifier 发送订阅生命周期邮件
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

type NopNotifier struct{}

func (NopNotifier) Send(context.Context, Message) error { return nil }

// AsyncNotifier 后台发送，失败只记录日志，不影响调用方
type AsyncNotifier struct {
	next    Notifier
	timeout time.Duration
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewAsyncNotifier(next Notifier, timeout time.Duration, log *zap.Logger) *AsyncNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AsyncNotifier{next: next, timeout: timeout, log: log}
}

func (a *AsyncNotifier) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return nil
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Send(ctx, msg); err != nil {
			a.log.Warn("send notification", zap.String("kind", string(msg.Kind)), zap.Error(err))
		}
	}()
	return nil
}

// Wait 等待正在发送的邮件完成
func (a *AsyncNotifier) Wait() {
	a.wg.Wait()
}

func (m Message) render() (subject, html string) {
	title := titleCase(m.Tier.String())
	switch m.Kind {
	case KindSubscriptionActive:
		subject = fmt.Sprintf("Your %s membership is active", title)
		body := fmt.Sprintf("Welcome to %s! All %s classes are now unlocked.", title, title)
		if m.PeriodEnd != nil {
			body += fmt.Sprintf(" Your membership renews on %s.", m.PeriodEnd.Format("January 2, 2006"))
		}
		return subject, layout(subject, body)
	case KindPaymentFailed:
		subject = "We couldn't process your payment"
		return subject, layout(subject, fmt.Sprintf(
			"Your last payment for %s failed. Update your payment method to keep access to %s classes.", title, title))
	case KindSubscriptionEnded:
		subject = fmt.Sprintf("Your %s membership has ended", title)
		return subject, layout(subject, fmt.Sprintf(
			"Your %s membership has ended. Bronze classes stay free, and you can rejoin any time.", title))
	}
	subject = "Your membership was updated"
	return subject, layout(subject, "Your membership details changed.")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func layout(title, body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body style="margin: 0; padding: 40px 0; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background-color: #f4f4f4;">
    <table role="presentation" style="width: 600px; margin: 0 auto; background-color: #ffffff; border-radius: 8px;">
        <tr><td style="padding: 40px 40px 20px 40px; text-align: center;"><h1 style="margin: 0; color: #333333; font-size: 24px;">%s</h1></td></tr>
        <tr><td style="padding: 0 40px 40px 40px; text-align: center;"><p style="margin: 0; color: #666666; font-size: 16px; line-height: 1.5;">%s</p></td></tr>
    </table>
</body>
</html>
`, title, title, body)
}
