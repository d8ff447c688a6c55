package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/models"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound           = store.ErrNotFound
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrEmailAlreadyExists = errors.New("email already registered")
	ErrUserDisabled       = errors.New("user account is disabled")
)

const minPasswordLength = 8

// Service 账户服务：注册、登录、Google 账号绑定
type Service struct {
	users store.UserStore
	log   *zap.Logger
}

func New(users store.UserStore, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{users: users, log: log}
}

// SignUp 注册新用户，同时创建 bronze/active 订阅记录
func (s *Service) SignUp(ctx context.Context, email, password string) (models.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return models.User{}, err
	}
	if len(password) < minPasswordLength {
		return models.User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRequest, minPasswordLength)
	}
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}

	user, err := s.users.CreateUser(ctx, models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(passwordHash),
		Status:       models.UserStatusActive,
	})
	if errors.Is(err, store.ErrConflict) {
		return models.User{}, ErrEmailAlreadyExists
	}
	if err != nil {
		return models.User{}, err
	}
	s.log.Info("user signed up", zap.String("user_id", user.ID))
	return user, nil
}

// Authenticate 验证用户凭证
func (s *Service) Authenticate(ctx context.Context, email, password string) (models.User, error) {
	if email == "" || password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if user.PasswordHash == "" {
		// 仅通过 Google 注册的账号没有密码
		return models.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	if user.Status != models.UserStatusActive {
		return models.User{}, ErrUserDisabled
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (models.User, error) {
	if id == "" {
		return models.User{}, ErrNotFound
	}
	return s.users.GetUserByID(ctx, id)
}

// GetOrCreateByGoogle 通过 Google ID 获取用户；同邮箱账号存在时绑定，否则创建新用户
// created 仅在新建用户时为 true
func (s *Service) GetOrCreateByGoogle(ctx context.Context, googleID, email string) (models.User, bool, error) {
	if googleID == "" {
		return models.User{}, false, ErrInvalidRequest
	}
	email, err := normalizeEmail(email)
	if err != nil {
		return models.User{}, false, err
	}

	user, err := s.users.GetUserByGoogleID(ctx, googleID)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.User{}, false, err
	}

	// 检查是否有相同邮箱的用户（可能是之前用密码注册的）
	existing, err := s.users.GetUserByEmail(ctx, email)
	if err == nil {
		if err := s.users.LinkGoogleID(ctx, existing.ID, googleID); err != nil {
			return models.User{}, false, err
		}
		existing.GoogleID = &googleID
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.User{}, false, err
	}

	user, err = s.users.CreateUser(ctx, models.User{
		ID:       uuid.NewString(),
		Email:    email,
		GoogleID: &googleID,
		Status:   models.UserStatusActive,
	})
	if err != nil {
		return models.User{}, false, err
	}
	s.log.Info("user signed up with google", zap.String("user_id", user.ID))
	return user, true, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidRequest)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email", ErrInvalidRequest)
	}
	return email, nil
}
