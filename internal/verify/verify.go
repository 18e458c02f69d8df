package verify

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
)

const (
	defaultTimeout = 2 * time.Minute
	maxAttempts    = 3
	codeDigits     = 6
)

// Errors surfaced to the command layer; their text is shown to members.
var (
	// ErrInvalidEmail rejects addresses that do not parse or are outside
	// the configured domain.
	ErrInvalidEmail = errors.New("email must be a valid institute address")
	// ErrNoSession means no verification is pending for the member.
	ErrNoSession = errors.New("no verification in progress, request a code first")
	// ErrExpired means the pending code timed out.
	ErrExpired = errors.New("verification code expired, request a new one")
	// ErrCodeMismatch means the submitted code was wrong.
	ErrCodeMismatch = errors.New("verification code does not match")
	// ErrTooManyAttempts means the session burned all attempts.
	ErrTooManyAttempts = errors.New("too many wrong codes, request a new one")
)

// Result is a completed verification.
type Result struct {
	Email string
	// BatchRole is the cohort role derived from the email, e.g. "Y23"
	// for 23ucs123@domain. Empty when the local part carries no cohort.
	BatchRole string
}

type session struct {
	email     string
	code      string
	expiresAt time.Time
	attempts  int
}

// Service runs the email OTP flow: Start issues a single-use code to the
// member's institute address, Confirm checks it. Sessions are in-memory;
// a restart simply requires requesting a fresh code.
type Service struct {
	mailer  Mailer
	domain  string
	timeout time.Duration
	logger  *zap.Logger
	// Now and NewCode are injected for testability.
	Now     func() time.Time
	NewCode func() (string, error)

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService creates a verification service scoped to one email domain.
func NewService(mailer Mailer, domain string, timeout time.Duration, logger *zap.Logger) (*Service, error) {
	if mailer == nil {
		return nil, errors.New("mailer is required")
	}
	trimmedDomain := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(domain, "@")))
	if trimmedDomain == "" {
		return nil, errors.New("email domain is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		mailer:   mailer,
		domain:   trimmedDomain,
		timeout:  timeout,
		logger:   logger,
		Now:      time.Now,
		NewCode:  generateCode,
		sessions: make(map[string]*session),
	}, nil
}

// Start validates the address, emails a fresh code and opens a session for
// the member. A pending session is replaced.
func (s *Service) Start(ctx context.Context, memberID, email string) error {
	address, err := s.normalizeEmail(email)
	if err != nil {
		return err
	}

	code, err := s.NewCode()
	if err != nil {
		return fmt.Errorf("generate verification code: %w", err)
	}
	if err := s.mailer.SendCode(ctx, address, code); err != nil {
		return err
	}

	s.mu.Lock()
	s.sessions[memberID] = &session{
		email:     address,
		code:      code,
		expiresAt: s.Now().Add(s.timeout),
	}
	s.mu.Unlock()

	s.logger.Info("verification code issued",
		zap.String("member_id", memberID),
		zap.String("email", address))
	return nil
}

// Confirm checks the submitted code against the member's pending session.
// On success the session is consumed.
func (s *Service) Confirm(_ context.Context, memberID, code string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.sessions[memberID]
	if !ok {
		return Result{}, ErrNoSession
	}
	if s.Now().After(pending.expiresAt) {
		delete(s.sessions, memberID)
		return Result{}, ErrExpired
	}

	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(code)), []byte(pending.code)) != 1 {
		pending.attempts++
		if pending.attempts >= maxAttempts {
			delete(s.sessions, memberID)
			return Result{}, ErrTooManyAttempts
		}
		return Result{}, ErrCodeMismatch
	}

	delete(s.sessions, memberID)
	s.logger.Info("member verified",
		zap.String("member_id", memberID),
		zap.String("email", pending.email))
	return Result{Email: pending.email, BatchRole: BatchRoleForEmail(pending.email)}, nil
}

func (s *Service) normalizeEmail(email string) (string, error) {
	parsed, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return "", ErrInvalidEmail
	}
	address := strings.ToLower(parsed.Address)
	if !strings.HasSuffix(address, "@"+s.domain) {
		return "", ErrInvalidEmail
	}
	return address, nil
}

// BatchRoleForEmail derives the cohort role from an institute address whose
// local part starts with a two-digit admission year, e.g. 23ucs123 -> Y23.
func BatchRoleForEmail(email string) string {
	local, _, found := strings.Cut(email, "@")
	if !found || len(local) < 2 {
		return ""
	}
	if !unicode.IsDigit(rune(local[0])) || !unicode.IsDigit(rune(local[1])) {
		return ""
	}
	return "Y" + local[:2]
}

func generateCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}
