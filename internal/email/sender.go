package email

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// Message is one broadcast: a single email addressed to every recipient.
type Message struct {
	Subject string
	Body    string
	To      []string
}

type Sender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// Dial opens the SMTP session. Nil means a gomail.Dialer built from
	// the fields above.
	Dial func() (gomail.SendCloser, error)
}

func (s *Sender) dial() (gomail.SendCloser, error) {
	if s.Dial != nil {
		return s.Dial()
	}
	return gomail.NewDialer(s.Host, s.Port, s.Username, s.Password).Dial()
}

// Send delivers msg in one SMTP transaction. An empty recipient list is a
// no-op and never opens a connection.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	conn, err := s.dial()
	if err != nil {
		return fmt.Errorf("smtp dial error: %w", err)
	}
	defer conn.Close()

	if err := gomail.Send(conn, m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	return nil
}
