package passkeys

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// CodeLength is the number of digits in a one-time code.
	CodeLength = 6

	// DefaultCodeWindow is how long an issued code stays valid.
	DefaultCodeWindow = 60 * time.Second
)

// OTPService issues and validates short numeric login codes, the
// password-equivalent email fallback.
//
// Validation policy: only the most recently issued code for an email is
// eligible. Issuing a new code does not delete prior rows, it just makes
// them ineligible.
type OTPService struct {
	store    OneTimeCodeStore
	notifier Notifier
	window   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewOTPService creates the one-time-code subsystem. window <= 0 selects the
// default 60 second freshness window.
func NewOTPService(store OneTimeCodeStore, notifier Notifier, window time.Duration, logger *zap.Logger) *OTPService {
	if window <= 0 {
		window = DefaultCodeWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OTPService{
		store:    store,
		notifier: notifier,
		window:   window,
		logger:   logger,
		now:      time.Now,
	}
}

// generateCode produces a uniform random fixed-length digit string. Leading
// zeros are part of the code, so the value is formatted, never parsed back.
func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < CodeLength; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n), nil
}

// IssueCode generates, persists and delivers a fresh code for the email. A
// resend always issues a new code; prior codes are left in place and age out.
func (s *OTPService) IssueCode(ctx context.Context, email string) (*OneTimeCode, error) {
	value, err := generateCode()
	if err != nil {
		return nil, err
	}

	code := &OneTimeCode{
		ID:        uuid.New(),
		Email:     email,
		Code:      value,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateCode(ctx, code); err != nil {
		return nil, err
	}

	if err := s.notifier.SendCode(ctx, email, value); err != nil {
		// The row exists either way; the user can request a resend.
		s.logger.Error("code delivery failed", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("deliver code: %w", err)
	}

	s.logger.Info("one-time code issued", zap.String("email", email))
	return code, nil
}

// ValidateCode checks a submitted code against the most recent one issued
// for the email. No fresh code at all is ErrCodeExpired; a fresh code with
// a different value is ErrCodeInvalid.
func (s *OTPService) ValidateCode(ctx context.Context, email, submitted string, now time.Time) error {
	latest, err := s.store.LatestCodeByEmail(ctx, email)
	if err != nil {
		return err
	}
	if latest == nil || latest.CreatedAt.Before(now.Add(-s.window)) {
		return ErrCodeExpired
	}
	if latest.Code != submitted {
		return ErrCodeInvalid
	}
	return nil
}

// PurgeExpired garbage-collects rows past the freshness window.
func (s *OTPService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.store.PurgeExpiredCodes(ctx, s.now().Add(-s.window))
}

// StartPurgeLoop purges expired codes on the given interval until ctx ends.
func (s *OTPService) StartPurgeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purged, err := s.PurgeExpired(ctx)
				if err != nil {
					s.logger.Error("code purge failed", zap.Error(err))
					continue
				}
				if purged > 0 {
					s.logger.Debug("purged expired codes", zap.Int64("count", purged))
				}
			}
		}
	}()
}
