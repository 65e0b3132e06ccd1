package mail

import (
	"fmt"
	"mime"
	"net/smtp"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/bicimarket/bicimarket/internal/pkg/env"
)

// Config holds the SMTP settings read from SMTP_* variables.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

func ConfigFromEnv() Config {
	cfg := Config{
		Host:     env.GetEnv("SMTP_HOST", ""),
		Port:     env.GetEnv("SMTP_PORT", "587"),
		Username: env.GetEnv("SMTP_USERNAME", ""),
		Password: env.GetEnv("SMTP_PASSWORD", ""),
		Sender:   env.GetEnv("SMTP_SENDER", ""),
	}
	if cfg.Sender == "" {
		cfg.Sender = "no-reply@bicimarket.local"
		log.Warnf("[Mail] SMTP_SENDER not set, using default sender: %s", cfg.Sender)
	}
	return cfg
}

// Enabled reports whether an SMTP host is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

// BuildMessage renders an HTML mail with an RFC 2047 encoded subject.
func BuildMessage(sender, to, subject, body string) []byte {
	return []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, mime.QEncoding.Encode("utf-8", subject)) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)
}

// Sender returns a send function bound to cfg.
func Sender(cfg Config) func(to, subject, body string) error {
	return func(to, subject, body string) error {
		if !cfg.Enabled() {
			return fmt.Errorf("smtp host not configured")
		}
		var auth smtp.Auth
		if cfg.Username != "" && cfg.Password != "" {
			auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		}

		addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
		err := smtp.SendMail(addr, auth, cfg.Sender, []string{to}, BuildMessage(cfg.Sender, to, subject, body))
		if err != nil {
			log.Errorf("[Mail] SMTP send error to %s: %v", to, err)
		} else {
			log.Infof("[Mail] Email sent to %s via %s", to, addr)
		}
		return err
	}
}
