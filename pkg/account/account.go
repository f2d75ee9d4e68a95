// Package account manages user accounts and their credentials.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/warehouse/pkg/credential"
	"github.com/ethpandaops/warehouse/pkg/store"
)

// MinPasswordLength is the minimum length of a user chosen password.
const MinPasswordLength = 10

var (
	// ErrUsernameTaken is returned when creating a user whose name exists.
	ErrUsernameTaken = errors.New("username already in use")

	// ErrPasswordTooShort is returned when a new password is too short.
	ErrPasswordTooShort = fmt.Errorf(
		"password must be at least %d characters long", MinPasswordLength,
	)

	// ErrUserNotFound is returned when the named user does not exist.
	ErrUserNotFound = errors.New("user not found")
)

// Repository is the persistence required by the Service.
type Repository interface {
	GetUserByName(ctx context.Context, name string) (*store.User, error)
	CreateUser(ctx context.Context, user *store.User) error
	UpdateUser(ctx context.Context, user *store.User) error
	DeleteUserByName(ctx context.Context, name string) (bool, error)
}

// Service creates, authenticates and maintains users.
type Service struct {
	log  logrus.FieldLogger
	repo Repository
}

// NewService creates a new account Service.
func NewService(log logrus.FieldLogger, repo Repository) *Service {
	return &Service{
		log:  log.WithField("component", "account"),
		repo: repo,
	}
}

// Create adds a user with the given password.
func (s *Service) Create(
	ctx context.Context, name, password string, admin bool,
) (*store.User, error) {
	salt, hash, err := derive(password)
	if err != nil {
		return nil, err
	}

	user := &store.User{
		Name:      name,
		Salt:      salt,
		Password:  hash,
		IsAdmin:   admin,
		CreatedAt: time.Now(),
	}

	if err := s.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return nil, ErrUsernameTaken
		}

		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"user":  name,
		"admin": admin,
	}).Info("Created user")

	return user, nil
}

// Delete removes the named user and reports whether it existed.
func (s *Service) Delete(ctx context.Context, name string) (bool, error) {
	deleted, err := s.repo.DeleteUserByName(ctx, name)
	if err != nil {
		return false, err
	}

	if deleted {
		s.log.WithField("user", name).Info("Deleted user")
	}

	return deleted, nil
}

// Reset assigns a freshly generated password to the named user and returns
// it.
func (s *Service) Reset(ctx context.Context, name string) (string, error) {
	user, err := s.lookup(ctx, name)
	if err != nil {
		return "", err
	}

	password, err := credential.GeneratePassword()
	if err != nil {
		return "", err
	}

	if err := s.setPassword(ctx, user, password); err != nil {
		return "", err
	}

	s.log.WithField("user", name).Info("Reset user password")

	return password, nil
}

// Authenticate returns the user when name and password match, nil when they
// do not.
func (s *Service) Authenticate(
	ctx context.Context, name, password string,
) (*store.User, error) {
	user, err := s.repo.GetUserByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	ok, err := credential.Verify(password, user.Salt, user.Password)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	return user, nil
}

// ChangePassword replaces the password of user when current matches. It
// reports false when current is wrong.
func (s *Service) ChangePassword(
	ctx context.Context, user *store.User, current, next string,
) (bool, error) {
	if len(next) < MinPasswordLength {
		return false, ErrPasswordTooShort
	}

	ok, err := credential.Verify(current, user.Salt, user.Password)
	if err != nil {
		return false, err
	}

	if !ok {
		return false, nil
	}

	if err := s.setPassword(ctx, user, next); err != nil {
		return false, err
	}

	return true, nil
}

func (s *Service) lookup(ctx context.Context, name string) (*store.User, error) {
	user, err := s.repo.GetUserByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}

		return nil, err
	}

	return user, nil
}

func (s *Service) setPassword(
	ctx context.Context, user *store.User, password string,
) error {
	salt, hash, err := derive(password)
	if err != nil {
		return err
	}

	user.Salt = salt
	user.Password = hash

	return s.repo.UpdateUser(ctx, user)
}

func derive(password string) ([]byte, []byte, error) {
	salt, err := credential.NewSalt()
	if err != nil {
		return nil, nil, err
	}

	hash, err := credential.Hash(password, salt)
	if err != nil {
		return nil, nil, err
	}

	return salt, hash, nil
}
