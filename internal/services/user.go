package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/trackserver/trackserver/types"
	"golang.org/x/crypto/bcrypt"
)

// UserService encapsulates user use-cases.
type UserService struct {
	repo UserRepository
}

func NewUserService(repo UserRepository) *UserService {
	return &UserService{repo: repo}
}

func (s *UserService) GetByID(ctx context.Context, id int64) (types.User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *UserService) GetByLogin(ctx context.Context, login string) (types.User, error) {
	return s.repo.GetByLogin(ctx, login)
}

func (s *UserService) ListByIDs(ctx context.Context, ids []int64) ([]types.User, error) {
	return s.repo.ListByIDs(ctx, ids)
}

// Create stores a new user with a bcrypt hash of password. New users may use
// the tracker unless capabilities says otherwise.
func (s *UserService) Create(ctx context.Context, user types.User, password string) (types.User, error) {
	user.Login = strings.TrimSpace(user.Login)
	if user.Login == "" {
		return types.User{}, fmt.Errorf("%w: login is required", ErrValidation)
	}
	if password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return types.User{}, err
		}
		user.PasswordHash = string(hashed)
	}
	if user.Capabilities == nil {
		user.Capabilities = []types.Capability{types.CapUseTracker}
	}
	return s.repo.Create(ctx, user)
}

// SetPassword replaces the account password.
func (s *UserService) SetPassword(ctx context.Context, id int64, password string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrValidation)
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user.PasswordHash = string(hashed)
	_, err = s.repo.Update(ctx, user)
	return err
}

func (s *UserService) Update(ctx context.Context, user types.User) (types.User, error) {
	return s.repo.Update(ctx, user)
}

func (s *UserService) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}
