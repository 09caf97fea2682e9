package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"slices"
	"strings"
	"unicode"

	"github.com/wneessen/go-mail"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/marketday/api/internal/platform/config"
	"github.com/marketday/api/internal/services"
)

var subjects = map[string]string{
	services.TemplateItemCancelledByBuyer: "An order item was cancelled",
	services.TemplateItemRejectedByVendor: "Your vendor could not fulfil an item",
	services.TemplateItemStatusChanged:    "Your order was updated",
	services.TemplateIssueReported:        "A buyer reported a problem with an order",
	services.TemplateIssueDisputed:        "Update on your reported issue",
	services.TemplateIssueEscalated:       "Order issue needs admin review",
	services.TemplateIssueRefunded:        "Your refund is on its way",
	services.TemplateVendorCancelWarning:  "Your cancellation rate needs attention",
}

var bodyTemplate = template.Must(template.New("notification").Parse(`<!doctype html>
<html><body>
<h2>{{.Subject}}</h2>
{{if .Fields}}<table>{{range .Fields}}
<tr><th align="left">{{.Label}}</th><td>{{.Value}}</td></tr>{{end}}
</table>{{end}}
</body></html>`))

type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailDispatcher delivers notifications straight over SMTP. Notifications without an address are skipped.
type EmailDispatcher struct {
	sender mailSender
	from   string
}

// NewSMTPClient builds a go-mail client from cfg. Authentication is enabled when a username is set.
func NewSMTPClient(cfg config.SMTPConfig) (*mail.Client, error) {
	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthLogin),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
			mail.WithTLSPolicy(mail.TLSMandatory),
		)
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return client, nil
}

// NewEmailDispatcher constructs an EmailDispatcher sending as from.
func NewEmailDispatcher(sender mailSender, from string) (*EmailDispatcher, error) {
	if sender == nil {
		return nil, errors.New("email dispatcher: sender is required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, errors.New("email dispatcher: from address is required")
	}
	return &EmailDispatcher{sender: sender, from: from}, nil
}

// Send implements services.NotificationDispatcher.
func (d *EmailDispatcher) Send(ctx context.Context, notification services.Notification) error {
	to := strings.TrimSpace(notification.Email)
	if to == "" {
		return nil
	}
	msg, err := d.compose(to, notification)
	if err != nil {
		return err
	}
	if err := d.sender.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

type emailField struct {
	Label string
	Value string
}

func (d *EmailDispatcher) compose(to string, n services.Notification) (*mail.Msg, error) {
	subject, ok := subjects[n.Template]
	if !ok {
		subject = "Marketday notification"
	}

	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, struct {
		Subject string
		Fields  []emailField
	}{Subject: subject, Fields: emailFields(n.Data)}); err != nil {
		return nil, fmt.Errorf("render email: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(d.from); err != nil {
		return nil, fmt.Errorf("email from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("email to: %w", err)
	}
	msg.Subject(subject)
	msg.SetMessageID()
	msg.SetGenHeader(mail.Header("X-Marketday-Template"), n.Template)
	msg.SetBodyString(mail.TypeTextHTML, body.String())
	return msg, nil
}

func emailFields(data map[string]any) []emailField {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	// Casers carry state, so one per render.
	title := cases.Title(language.English)
	fields := make([]emailField, 0, len(keys))
	for _, key := range keys {
		value := strings.TrimSpace(fmt.Sprint(data[key]))
		if value == "" {
			continue
		}
		fields = append(fields, emailField{Label: title.String(splitCamel(key)), Value: value})
	}
	return fields
}

// splitCamel turns "refundAmount" into "refund amount".
func splitCamel(key string) string {
	var b strings.Builder
	for i, r := range key {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
