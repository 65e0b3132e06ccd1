package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bicimarket/bicimarket/internal/pkg/entitlements"
)

// Confirmation is the data handed to the mail renderer after a payment has
// been applied for the first time.
type Confirmation struct {
	To           string
	Name         string
	ListingRef   string
	ListingTitle string
	Plan         entitlements.Plan
	Amount       decimal.NullDecimal
	Currency     string
	ExpiresAt    *time.Time
	PaymentRef   string
}

// Notifier delivers the confirmation for a newly applied payment.
type Notifier interface {
	Notify(ctx context.Context, c Confirmation) error
}

// Renderer produces subject and body for a confirmation email.
type Renderer interface {
	Render(c Confirmation) (subject string, body string, err error)
}

// SendFunc matches the function returned by mail.Sender.
type SendFunc func(to, subject, body string) error

type MailNotifier struct {
	Renderer Renderer
	Send     SendFunc
}

func NewMailNotifier(renderer Renderer, send SendFunc) *MailNotifier {
	if renderer == nil {
		renderer = PlainRenderer{}
	}
	return &MailNotifier{Renderer: renderer, Send: send}
}

func (n *MailNotifier) Notify(_ context.Context, c Confirmation) error {
	if c.To == "" {
		return errors.New("confirmation recipient is empty")
	}
	if n.Send == nil {
		return errors.New("mail sender is not configured")
	}
	subject, body, err := n.Renderer.Render(c)
	if err != nil {
		return fmt.Errorf("render confirmation: %w", err)
	}
	return n.Send(c.To, subject, body)
}

// PlainRenderer is the fallback renderer used when no template is wired.
type PlainRenderer struct{}

func (PlainRenderer) Render(c Confirmation) (string, string, error) {
	subject := fmt.Sprintf("Tu publicación \"%s\" ya tiene el plan %s", c.ListingTitle, c.Plan)
	body := fmt.Sprintf("<p>Hola %s,</p><p>Recibimos tu pago", c.Name)
	if c.Amount.Valid {
		body += fmt.Sprintf(" de %s %s", c.Amount.Decimal.StringFixed(2), c.Currency)
	}
	body += "."
	if c.ExpiresAt != nil {
		body += fmt.Sprintf(" El plan está activo hasta el %s.", c.ExpiresAt.Format("02/01/2006"))
	}
	body += "</p>"
	return subject, body, nil
}
