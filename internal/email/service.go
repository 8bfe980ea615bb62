// Package email sends transactional mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName == "" {
		return s.config.From
	}
	return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
}

// SendHTMLEmail sends a multipart message with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	boundary := fmt.Sprintf("huddle-%d", time.Now().UnixNano())

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.sendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

type MissedCallData struct {
	AppName    string
	UserName   string
	CallerName string
	Media      string
	At         string
	OpenURL    string
}

func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	data := VerificationData{
		AppName:         "Huddle",
		UserName:        userName,
		VerificationURL: verificationURL,
	}
	html, err := render(verificationEmail, data)
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}
	text := fmt.Sprintf("Hi %s,\n\nConfirm your Huddle account: %s\n\nThe link expires in 24 hours.", userName, verificationURL)
	return s.SendHTMLEmail([]string{to}, "Verify your Huddle account", text, html)
}

func (s *Service) SendMissedCallEmail(to, userName, callerName, media string, at time.Time, openURL string) error {
	data := MissedCallData{
		AppName:    "Huddle",
		UserName:   userName,
		CallerName: callerName,
		Media:      media,
		At:         at.UTC().Format("Jan 2, 15:04 MST"),
		OpenURL:    openURL,
	}
	html, err := render(missedCallEmail, data)
	if err != nil {
		return fmt.Errorf("render missed call template: %w", err)
	}
	text := fmt.Sprintf("Hi %s,\n\nYou missed a %s call from %s at %s.\n\n%s", userName, media, callerName, data.At, openURL)
	return s.SendHTMLEmail([]string{to}, "Missed "+media+" call from "+callerName, text, html)
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #222; max-width: 560px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #4f46e5; color: white; text-decoration: none; border-radius: 6px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #4f46e5; }`

var verificationEmail = template.Must(template.New("verification").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Verify your {{.AppName}} account</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <h2>Welcome to {{.AppName}}, {{.UserName}}!</h2>
    <p>Confirm your email address to start chatting.</p>
    <p><a href="{{.VerificationURL}}" class="button">Verify email</a></p>
    <p>Or paste this link into your browser:</p>
    <p class="link">{{.VerificationURL}}</p>
    <p>This link expires in 24 hours.</p>
    <div class="footer">
        <p>If you didn't sign up for {{.AppName}}, ignore this email.</p>
    </div>
</body>
</html>`))

var missedCallEmail = template.Must(template.New("missed-call").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Missed call</title>
    <style>` + layoutStyle + `</style>
</head>
<body>
    <h2>You missed a call</h2>
    <p>Hi {{.UserName}}, {{.CallerName}} tried to reach you with a {{.Media}} call at {{.At}}.</p>
    <p><a href="{{.OpenURL}}" class="button">Open {{.AppName}}</a></p>
    <div class="footer">
        <p>You get this email because you were offline when the call came in.</p>
    </div>
</body>
</html>`))
