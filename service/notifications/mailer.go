package notification

import (
	"bytes"
	"io"

	"github.com/KAsare1/medibook-server/cmd/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// Attachment is an in-memory file attached to an email.
type Attachment struct {
	Name    string
	Content []byte
}

// Mailer sends plain-text email over SMTP. With no host configured it only logs.
type Mailer struct {
	cfg config.SMTPConfig
	log *logrus.Entry
}

func NewMailer(cfg config.SMTPConfig, log *logrus.Entry) *Mailer {
	return &Mailer{cfg: cfg, log: log}
}

func (m *Mailer) Enabled() bool {
	return m != nil && m.cfg.Host != ""
}

func (m *Mailer) Send(to, subject, body string, attachments ...Attachment) error {
	if !m.Enabled() {
		m.log.WithField("to", to).WithField("subject", subject).Info("SMTP not configured, email skipped")
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	for _, a := range attachments {
		content := a.Content
		msg.Attach(a.Name, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := io.Copy(w, bytes.NewReader(content))
			return err
		}))
	}

	d := gomail.NewDialer(m.cfg.Host, m.cfg.Port, m.cfg.User, m.cfg.Pass)
	return d.DialAndSend(msg)
}
