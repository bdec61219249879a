package channel

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"regexp"
	"strings"

	"gopkg.in/gomail.v2"

	appErrors "github.com/unclebandit/retention-engine/internal/errors"
	"github.com/unclebandit/retention-engine/internal/model"
)

// smtpReply matches a 5xx SMTP reply inside an error string.
var smtpReply = regexp.MustCompile(`(?:^|: )5\d\d `)

type EmailSender struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string

	// dial sends the message; replaced in tests.
	dial func(m *gomail.Message) error
}

func NewEmailSender(host string, port int, user, password, from string) *EmailSender {
	s := &EmailSender{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		From:     from,
	}
	d := gomail.NewDialer(host, port, user, password)
	s.dial = func(m *gomail.Message) error { return d.DialAndSend(m) }
	return s
}

func (s *EmailSender) Send(ctx context.Context, address string, msg model.Message) error {
	if strings.TrimSpace(address) == "" || !strings.Contains(address, "@") {
		return appErrors.Permanent(fmt.Errorf("invalid email address %q", address))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", address)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	// gomail has no context support; abandon the dial when ctx ends.
	done := make(chan error, 1)
	go func() { done <- s.dial(m) }()

	select {
	case <-ctx.Done():
		return appErrors.Transient(fmt.Errorf("send email: %w", ctx.Err()))
	case err := <-done:
		if err == nil {
			return nil
		}
		return classifySMTP(err)
	}
}

// classifySMTP treats 5xx replies (auth failures, unknown mailbox) as permanent
// and everything else, including dial errors and 4xx replies, as transient.
func classifySMTP(err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		if reply.Code >= 500 {
			return appErrors.Permanent(fmt.Errorf("send email: %w", err))
		}
		return appErrors.Transient(fmt.Errorf("send email: %w", err))
	}
	if smtpReply.MatchString(err.Error()) {
		return appErrors.Permanent(fmt.Errorf("send email: %w", err))
	}
	return appErrors.Transient(fmt.Errorf("send email: %w", err))
}
