package services

import (
	"fmt"

	"gopkg.in/gomail.v2"
)

// MailerService sends transactional emails over SMTP.
type MailerService struct {
	dialer     *gomail.Dialer
	from       string
	adminEmail string
}

// NewMailerService constructs a MailerService.
func NewMailerService(host string, port int, user, password, from, adminEmail string) *MailerService {
	return &MailerService{
		dialer:     gomail.NewDialer(host, port, user, password),
		from:       from,
		adminEmail: adminEmail,
	}
}

// SendOTPToAdmin mirrors OTP codes to the admin mailbox in non-production
// environments where no real SMS is sent.
func (m *MailerService) SendOTPToAdmin(phone, code string) error {
	if m.adminEmail == "" {
		return nil
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", m.adminEmail)
	msg.SetHeader("Subject", fmt.Sprintf("OTP code for %s", phone))
	msg.SetBody("text/plain", fmt.Sprintf("Your OTP code is: %s", code))

	return m.dialer.DialAndSend(msg)
}
