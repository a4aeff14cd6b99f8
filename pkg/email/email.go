package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sync"
	"time"

	"go.uber.org/zap"

	"wellcall-backend/pkg/logger"
)

// Email represents an email to be sent
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// MissedCallEmailData contains data for the missed call email
type MissedCallEmailData struct {
	DoctorName  string
	PatientName string
	StartedAt   time.Time
	AppURL      string
}

// Sender defines the interface for sending emails
type Sender interface {
	Send(ctx context.Context, email *Email) error
}

// MockSender is a mock implementation for development/testing
type MockSender struct {
	mu   sync.Mutex
	sent []*Email
}

// Send records the email instead of delivering it
func (m *MockSender) Send(ctx context.Context, email *Email) error {
	m.mu.Lock()
	m.sent = append(m.sent, email)
	m.mu.Unlock()

	logger.Info("Mock email sent",
		zap.String("to", email.To),
		zap.String("subject", email.Subject))
	return nil
}

// Sent returns the emails recorded so far
func (m *MockSender) Sent() []*Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Email(nil), m.sent...)
}

// Service handles email sending operations
type Service struct {
	sender Sender
}

// NewService creates a new email service
func NewService(sender Sender) *Service {
	return &Service{
		sender: sender,
	}
}

// SendMissedCallEmail tells a doctor that a patient's call went unanswered
func (s *Service) SendMissedCallEmail(ctx context.Context, to string, data *MissedCallEmailData) error {
	if to == "" {
		return fmt.Errorf("recipient address is required")
	}

	html, err := buildMissedCallHTML(data)
	if err != nil {
		return fmt.Errorf("failed to render missed call email: %w", err)
	}

	return s.sender.Send(ctx, &Email{
		To:      to,
		Subject: fmt.Sprintf("Missed call from %s", patientName(data)),
		HTML:    html,
		Text:    buildMissedCallText(data),
	})
}

func patientName(data *MissedCallEmailData) string {
	if data.PatientName == "" {
		return "a patient"
	}
	return data.PatientName
}

func doctorName(data *MissedCallEmailData) string {
	if data.DoctorName == "" {
		return "Doctor"
	}
	return data.DoctorName
}

// buildMissedCallText builds the plain text version of the missed call email
func buildMissedCallText(data *MissedCallEmailData) string {
	return fmt.Sprintf(`Hi %s,

You missed a video call from %s at %s.

You can review your calls and reach out to your patient here:

%s/calls

Best regards,
The WellCall Team`, doctorName(data), patientName(data), data.StartedAt.UTC().Format(time.RFC1123), data.AppURL)
}

var missedCallTemplate = template.Must(template.New("missed_call").Parse(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Missed Call - WellCall</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .container { background: #f9f9f9; padding: 40px 20px; border-radius: 8px; }
        .content { background: #ffffff; padding: 30px; border-radius: 8px; }
        .button { display: inline-block; padding: 12px 30px; background: #2e9e6b; color: #ffffff; text-decoration: none; border-radius: 5px; margin: 20px 0; }
        .footer { text-align: center; margin-top: 30px; color: #666; font-size: 12px; }
    </style>
</head>
<body>
    <div class="container">
        <div class="content">
            <h2>You missed a call</h2>
            <p>Hi {{.Doctor}},</p>
            <p>{{.Patient}} tried to reach you by video at {{.When}}.</p>
            <p style="text-align: center;">
                <a href="{{.AppURL}}/calls" class="button">Open Calls</a>
            </p>
        </div>
        <div class="footer">
            <p>&copy; {{.Year}} WellCall. All rights reserved.</p>
        </div>
    </div>
</body>
</html>`))

// buildMissedCallHTML builds the HTML version of the missed call email
func buildMissedCallHTML(data *MissedCallEmailData) (string, error) {
	var buf bytes.Buffer
	err := missedCallTemplate.Execute(&buf, map[string]interface{}{
		"Doctor":  doctorName(data),
		"Patient": patientName(data),
		"When":    data.StartedAt.UTC().Format(time.RFC1123),
		"AppURL":  data.AppURL,
		"Year":    time.Now().Year(),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
