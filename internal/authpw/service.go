// Package authpw provides email/password accounts with email verification.
package authpw

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"huddle/api/internal/logging"
	"huddle/api/internal/store"
)

const verificationTTL = 24 * time.Hour

var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrInvalidVerification = errors.New("invalid or expired verification token")
	ErrEmailTaken          = store.ErrEmailTaken
)

// ValidationError carries per-field messages for a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "invalid input: " + strings.Join(parts, ", ")
}

type UserStore interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByVerificationToken(ctx context.Context, token string) (store.User, error)
	MarkEmailVerified(ctx context.Context, userID string) error
}

type Mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
}

type Service struct {
	store     UserStore
	mailer    Mailer
	verifyURL string
	validate  *validator.Validate
	now       func() time.Time
}

// NewService builds the account service. verifyURL is the page the
// verification link points at; the token is appended as ?token=.
func NewService(userStore UserStore, mailer Mailer, verifyURL string) *Service {
	return &Service{
		store:     userStore,
		mailer:    mailer,
		verifyURL: verifyURL,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
	}
}

type SignUpRequest struct {
	Email       string `validate:"required,email,max=254"`
	Password    string `validate:"required,min=8,max=128"`
	DisplayName string `validate:"required,max=80"`
}

type SignUpResponse struct {
	User              store.User
	VerificationToken string
	EmailSent         bool
}

func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (SignUpResponse, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := s.check(req); err != nil {
		return SignUpResponse{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return SignUpResponse{}, fmt.Errorf("hash password: %w", err)
	}
	token, err := generateToken()
	if err != nil {
		return SignUpResponse{}, fmt.Errorf("generate verification token: %w", err)
	}
	expiresAt := s.now().Add(verificationTTL)

	user, err := s.store.CreateUser(ctx, store.User{
		DisplayName:           req.DisplayName,
		Email:                 req.Email,
		PasswordHash:          string(hash),
		Role:                  "member",
		VerificationToken:     token,
		VerificationExpiresAt: &expiresAt,
	})
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return SignUpResponse{}, ErrEmailTaken
		}
		return SignUpResponse{}, fmt.Errorf("create user: %w", err)
	}

	resp := SignUpResponse{User: user, VerificationToken: token}
	if s.mailer != nil && s.mailer.IsConfigured() {
		if err := s.mailer.SendVerificationEmail(user.Email, user.DisplayName, s.verificationLink(token)); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("user_id", user.ID).Msg("verification email failed")
		} else {
			resp.EmailSent = true
		}
	}
	return resp, nil
}

type SignInRequest struct {
	Email    string `validate:"required"`
	Password string `validate:"required"`
}

type SignInResponse struct {
	User           store.User
	RequiresVerify bool
}

// SignIn checks the password before anything else so an unknown email and
// a wrong password are indistinguishable.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (SignInResponse, error) {
	if err := s.check(req); err != nil {
		return SignInResponse{}, err
	}

	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
			return SignInResponse{}, ErrInvalidCredentials
		}
		return SignInResponse{}, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return SignInResponse{}, ErrInvalidCredentials
	}
	return SignInResponse{User: user, RequiresVerify: !user.IsEmailVerified}, nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) (store.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.User{}, ErrInvalidVerification
	}
	user, err := s.store.GetUserByVerificationToken(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, ErrInvalidVerification
		}
		return store.User{}, fmt.Errorf("lookup verification token: %w", err)
	}
	if user.VerificationExpiresAt != nil && s.now().After(*user.VerificationExpiresAt) {
		return store.User{}, ErrInvalidVerification
	}
	if err := s.store.MarkEmailVerified(ctx, user.ID); err != nil {
		return store.User{}, fmt.Errorf("mark verified: %w", err)
	}
	user.IsEmailVerified = true
	user.VerificationToken = ""
	user.VerificationExpiresAt = nil
	return user, nil
}

func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[lowerFirst(fe.Field())] = describe(fe)
	}
	return &ValidationError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func (s *Service) verificationLink(token string) string {
	if s.verifyURL == "" {
		return token
	}
	sep := "?"
	if strings.Contains(s.verifyURL, "?") {
		sep = "&"
	}
	return s.verifyURL + sep + "token=" + url.QueryEscape(token)
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Compared against when the email is unknown.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("huddle-unknown-account"), bcrypt.DefaultCost)
