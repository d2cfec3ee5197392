package email

import (
	"fmt"

	"gopkg.in/gomail.v2"

	"mailflow/internal/models"
)

// Sender delivers email over SMTP. One delivery attempt per call: the
// caller records the outcome, and a failure here is terminal for the
// job, so there is no retry layer.
type Sender struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Send dispatches the job's message. The From header carries the
// sender's display name when one was supplied.
func (s *Sender) Send(job *models.EmailJob) error {
	from := job.SenderEmail
	if job.SenderName != nil && *job.SenderName != "" {
		from = fmt.Sprintf("%s <%s>", *job.SenderName, job.SenderEmail)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", job.RecipientEmail)
	m.SetHeader("Subject", job.Subject)
	m.SetBody("text/plain", job.Body)

	d := gomail.NewDialer(s.Host, s.Port, s.User, s.Password)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send error: %w", err)
	}

	return nil
}
