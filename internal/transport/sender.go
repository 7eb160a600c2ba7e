package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/pacer/internal/dkim"
	"github.com/foxzi/pacer/internal/models"
)

const (
	SecurityNone     = "none"
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
)

// DeliveryError is a submission failure; Temporary failures may succeed on retry
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

func (e *DeliveryError) IsTemporary() bool {
	return e.Temporary
}

// Config holds SMTP client settings
type Config struct {
	Hostname           string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// SMTPSender submits messages through the mailbox's own SMTP account
type SMTPSender struct {
	hostname string
	timeout  time.Duration
	insecure bool
	keyring  *dkim.Keyring
	logger   *slog.Logger
	dialer   *net.Dialer
}

func NewSMTPSender(cfg Config, keyring *dkim.Keyring, logger *slog.Logger) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &SMTPSender{
		hostname: cfg.Hostname,
		timeout:  cfg.Timeout,
		insecure: cfg.InsecureSkipVerify,
		keyring:  keyring,
		logger:   logger,
		dialer:   &net.Dialer{Timeout: cfg.Timeout},
	}
}

// Send delivers msg to its single recipient via mb
func (s *SMTPSender) Send(ctx context.Context, mb models.Mailbox, msg *Message) error {
	if mb.SMTPHost == "" {
		return &DeliveryError{Message: fmt.Sprintf("mailbox %s has no SMTP host", mb.ID)}
	}

	data, err := msg.Bytes()
	if err != nil {
		return &DeliveryError{Message: err.Error()}
	}

	if signer := s.keyring.ForAddress(msg.From); signer != nil {
		signed, err := signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	security := strings.ToLower(mb.Security)
	if security == "" {
		security = SecurityStartTLS
	}
	addr := net.JoinHostPort(mb.SMTPHost, strconv.Itoa(port(mb.SMTPPort, security)))

	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(s.timeout))
	}

	tlsConfig := &tls.Config{
		ServerName:         mb.SMTPHost,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.insecure,
	}
	if security == SecurityTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	var client *smtp.Client
	if security == SecurityStartTLS {
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			return startTLSError(addr, err)
		}
	} else {
		client = smtp.NewClient(conn)
	}
	defer client.Close()

	// the upgraded session greets again under our own name
	if err := client.Hello(s.hostname); err != nil {
		return categorize(err, "HELO")
	}

	if mb.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", mb.Username, mb.Password)); err != nil {
			return categorize(err, "AUTH")
		}
	}

	if err := client.Mail(mb.Email, nil); err != nil {
		return categorize(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return categorize(err, "RCPT TO "+msg.To)
	}

	wc, err := client.Data()
	if err != nil {
		return categorize(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return categorize(err, "DATA close")
	}

	client.Quit()

	s.logger.Debug("message submitted",
		"mailbox_id", mb.ID,
		"host", mb.SMTPHost,
		"to", msg.To,
	)
	return nil
}

func port(configured int, security string) int {
	if configured > 0 {
		return configured
	}
	switch security {
	case SecurityTLS:
		return 465
	case SecurityNone:
		return 25
	default:
		return 587
	}
}

var smtpCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// startTLSError keeps server replies and network failures on the usual path.
// Anything else is the client refusing the session, such as a server that
// does not offer STARTTLS, and retrying will not help.
func startTLSError(addr string, err error) *DeliveryError {
	var se *smtp.SMTPError
	var ne net.Error
	if errors.As(err, &se) || errors.As(err, &ne) || errors.Is(err, io.EOF) {
		return categorize(err, "STARTTLS")
	}
	return &DeliveryError{Message: fmt.Sprintf("STARTTLS with %s failed: %v", addr, err)}
}

// categorize maps an SMTP failure to a DeliveryError; 5xx is permanent, anything else temporary
func categorize(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &DeliveryError{Temporary: se.Code < 500, Message: msg}
	}

	if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
		return &DeliveryError{Temporary: m[1][0] == '4', Message: msg}
	}

	return &DeliveryError{Temporary: true, Message: msg}
}
