package transport

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/foxzi/pacer/internal/models"
)

// Message is one personalized email ready for submission
type Message struct {
	From     string
	FromName string
	To       string
	ToName   string
	Subject  string
	Text     string
	HTML     string
	// Headers are added verbatim, e.g. In-Reply-To for follow-ups
	Headers map[string]string
	Date    time.Time
}

// NewMessage renders a campaign for one recipient sent from mb
func NewMessage(c models.Campaign, mb models.Mailbox, r models.Recipient) *Message {
	msg := &Message{
		From:     mb.Email,
		FromName: mb.DisplayName,
		To:       r.Email,
		ToName:   strings.TrimSpace(r.FirstName + " " + r.LastName),
		Subject:  Personalize(c.Subject, r),
	}
	body := Personalize(c.Body, r)
	if c.HTML {
		msg.HTML = body
	} else {
		msg.Text = body
	}
	if c.ParentID != "" {
		msg.Headers = map[string]string{"X-Pacer-Parent": c.ParentID}
	}
	return msg
}

// Personalize substitutes recipient placeholders such as {{first_name}}
func Personalize(s string, r models.Recipient) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return strings.NewReplacer(
		"{{first_name}}", r.FirstName,
		"{{last_name}}", r.LastName,
		"{{company}}", r.Company,
		"{{email}}", r.Email,
	).Replace(s)
}

// Bytes renders the message as RFC 5322 with CRLF line endings
func (m *Message) Bytes() ([]byte, error) {
	if m.From == "" || m.To == "" {
		return nil, fmt.Errorf("message requires sender and recipient")
	}

	gm := gomail.NewMessage(gomail.SetCharset("UTF-8"))
	gm.SetAddressHeader("From", m.From, m.FromName)
	if m.ToName != "" {
		gm.SetAddressHeader("To", m.To, m.ToName)
	} else {
		gm.SetHeader("To", m.To)
	}
	gm.SetHeader("Subject", m.Subject)

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	gm.SetDateHeader("Date", date)
	gm.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), domainOf(m.From)))
	for k, v := range m.Headers {
		gm.SetHeader(k, v)
	}

	switch {
	case m.HTML != "" && m.Text != "":
		gm.SetBody("text/plain", m.Text)
		gm.AddAlternative("text/html", m.HTML)
	case m.HTML != "":
		gm.SetBody("text/html", m.HTML)
	default:
		gm.SetBody("text/plain", m.Text)
	}

	var buf bytes.Buffer
	if _, err := gm.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}
	return buf.Bytes(), nil
}

func domainOf(addr string) string {
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[at+1:]
	}
	return "localhost"
}
