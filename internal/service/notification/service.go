package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wellcall-backend/internal/domain"
	"wellcall-backend/pkg/email"
	"wellcall-backend/pkg/logger"
	"wellcall-backend/pkg/push"
)

// PushSender interface for device push delivery
type PushSender interface {
	SendMissedCall(ctx context.Context, userID uuid.UUID, data *push.MissedCallData) (*push.SendResult, error)
}

// EmailSender interface for email delivery
type EmailSender interface {
	SendMissedCallEmail(ctx context.Context, to string, data *email.MissedCallEmailData) error
}

// Service fans a missed call out to the doctor's devices and inbox
type Service struct {
	push   PushSender
	email  EmailSender
	appURL string
}

// NewService creates a new notification service. Either channel may be nil.
func NewService(pushSender PushSender, emailSender EmailSender, appURL string) *Service {
	return &Service{
		push:   pushSender,
		email:  emailSender,
		appURL: appURL,
	}
}

// NotifyMissedCall tries every channel. It fails only when no channel
// delivered and at least one reported an error.
func (s *Service) NotifyMissedCall(ctx context.Context, missed *domain.MissedCall) (*domain.NotifyResult, error) {
	result := &domain.NotifyResult{}
	var errs []error

	if s.push != nil {
		sent, err := s.push.SendMissedCall(ctx, missed.Doctor.ID, &push.MissedCallData{
			SessionID:   missed.SessionID,
			PatientName: missed.PatientName,
			StartedAt:   missed.StartedAt,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("push: %w", err))
		} else {
			result.PushSent = sent.SuccessCount
			result.PushFail = sent.FailureCount
		}
	}

	if s.email != nil && missed.Doctor.Email != "" {
		err := s.email.SendMissedCallEmail(ctx, missed.Doctor.Email, &email.MissedCallEmailData{
			DoctorName:  missed.Doctor.DisplayName,
			PatientName: missed.PatientName,
			StartedAt:   missed.StartedAt,
			AppURL:      s.appURL,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		} else {
			result.EmailSent = true
		}
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		if result.PushSent == 0 && !result.EmailSent {
			return result, err
		}
		logger.Warn("Missed call notification partially failed",
			zap.String("session_id", missed.SessionID),
			zap.Error(err))
	}

	return result, nil
}
