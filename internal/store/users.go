// Package store persists users and their usage ledger.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/router-for-me/o1relay/internal/ledger"
	"github.com/router-for-me/o1relay/internal/models"
	"github.com/router-for-me/o1relay/internal/security"
	"gorm.io/gorm"
)

// maxTokenAttempts bounds token regeneration on collision.
const maxTokenAttempts = 5

var (
	// ErrNotFound indicates no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrInvalidName indicates an empty user name.
	ErrInvalidName = errors.New("user name is required")
	// ErrInvalidLimit indicates a usage cap that is negative or not finite.
	ErrInvalidLimit = errors.New("invalid usage limit")
	// ErrTokenExhausted indicates every generated token collided with an existing one.
	ErrTokenExhausted = errors.New("could not generate a unique token")
)

// TokenGenerator returns a fresh candidate user token.
type TokenGenerator func() (string, error)

// Mutation derives the next ledger state from a locked user row.
type Mutation func(user *models.User) (ledger.State, error)

// AfterWrite runs inside the same transaction once the ledger row is written.
type AfterWrite func(tx *gorm.DB, user *models.User) error

// Users reads and writes user records.
type Users struct {
	db           *gorm.DB
	generate     TokenGenerator
	defaultLimit float64
	now          func() time.Time
}

// Option customizes a Users store.
type Option func(*Users)

// WithTokenGenerator replaces the random token generator.
func WithTokenGenerator(generate TokenGenerator) Option {
	return func(u *Users) {
		if generate != nil {
			u.generate = generate
		}
	}
}

// WithDefaultLimit sets the cap applied when Create receives no limit.
func WithDefaultLimit(limit float64) Option {
	return func(u *Users) {
		if limit > 0 {
			u.defaultLimit = limit
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(u *Users) {
		if now != nil {
			u.now = now
		}
	}
}

// NewUsers constructs a Users store.
func NewUsers(db *gorm.DB, opts ...Option) *Users {
	u := &Users{
		db:           db,
		generate:     security.GenerateUserToken,
		defaultLimit: ledger.DefaultUsageLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// DB exposes the underlying connection.
func (s *Users) DB() *gorm.DB { return s.db }

// Create registers a user with a freshly generated token.
func (s *Users) Create(ctx context.Context, name string, limit float64) (*models.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	if limit == 0 {
		limit = s.defaultLimit
	}
	if limit < 0 || math.IsNaN(limit) || math.IsInf(limit, 0) {
		return nil, ErrInvalidLimit
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, errGenerate := s.generate()
		if errGenerate != nil {
			return nil, errGenerate
		}
		taken, errTaken := s.tokenExists(ctx, token)
		if errTaken != nil {
			return nil, errTaken
		}
		if taken {
			continue
		}

		user := models.User{
			Name:       name,
			Token:      token,
			IsActive:   true,
			UsageLimit: limit,
		}
		if errCreate := s.db.WithContext(ctx).Create(&user).Error; errCreate != nil {
			// Another writer may have claimed the token between the check and the insert.
			if raced, _ := s.tokenExists(ctx, token); raced {
				continue
			}
			return nil, fmt.Errorf("create user: %w", errCreate)
		}
		return &user, nil
	}
	return nil, ErrTokenExhausted
}

func (s *Users) tokenExists(ctx context.Context, token string) (bool, error) {
	var count int64
	if errCount := s.db.WithContext(ctx).Model(&models.User{}).Where("token = ?", token).Count(&count).Error; errCount != nil {
		return false, fmt.Errorf("check token: %w", errCount)
	}
	return count > 0, nil
}

// List returns every user ordered by creation.
func (s *Users) List(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if errFind := s.db.WithContext(ctx).Order("id ASC").Find(&users).Error; errFind != nil {
		return nil, fmt.Errorf("list users: %w", errFind)
	}
	return users, nil
}

// FindByToken loads the user owning token.
func (s *Users) FindByToken(ctx context.Context, token string) (*models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNotFound
	}
	var user models.User
	errFind := s.db.WithContext(ctx).Where("token = ?", token).Take(&user).Error
	switch {
	case errFind == nil:
		return &user, nil
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("find user: %w", errFind)
	}
}

// FindByID loads a user by primary key.
func (s *Users) FindByID(ctx context.Context, id uint64) (*models.User, error) {
	var user models.User
	errFind := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	switch {
	case errFind == nil:
		return &user, nil
	case errors.Is(errFind, gorm.ErrRecordNotFound):
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("find user: %w", errFind)
	}
}

// Toggle flips the active flag of the user owning token.
func (s *Users) Toggle(ctx context.Context, token string) (*models.User, error) {
	return s.ApplyByToken(ctx, token, func(user *models.User) (ledger.State, error) {
		return ledger.Toggle(user.State()), nil
	}, nil)
}

// ResetCounters clears the daily request counter of the user owning token.
func (s *Users) ResetCounters(ctx context.Context, token string) (*models.User, error) {
	return s.ApplyByToken(ctx, token, func(user *models.User) (ledger.State, error) {
		return ledger.ResetCounters(user.State()), nil
	}, nil)
}

// AddLimit raises the usage cap of the user owning token by delta.
// It returns the updated user and the cap before the change.
func (s *Users) AddLimit(ctx context.Context, token string, delta float64) (*models.User, float64, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) || delta == 0 {
		return nil, 0, ErrInvalidLimit
	}
	var previous float64
	user, err := s.ApplyByToken(ctx, token, func(user *models.User) (ledger.State, error) {
		previous = user.UsageLimit
		next := ledger.RaiseLimit(user.State(), delta)
		if next.UsageLimit < 0 {
			return ledger.State{}, ErrInvalidLimit
		}
		return next, nil
	}, nil)
	if err != nil {
		return nil, 0, err
	}
	return user, previous, nil
}

// ApplyByToken runs mutate against the locked row of the user owning token.
func (s *Users) ApplyByToken(ctx context.Context, token string, mutate Mutation, after AfterWrite) (*models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNotFound
	}
	return s.apply(ctx, "token = ?", token, mutate, after)
}

// ApplyByID runs mutate against the locked row of the user with id.
func (s *Users) ApplyByID(ctx context.Context, id uint64, mutate Mutation, after AfterWrite) (*models.User, error) {
	return s.apply(ctx, "id = ?", id, mutate, after)
}

// apply performs load, transition and persist in one transaction.
// The first statement bumps the row version, which takes the row write lock
// on PostgreSQL and the database write lock on SQLite before the row is read.
func (s *Users) apply(ctx context.Context, where string, arg any, mutate Mutation, after AfterWrite) (*models.User, error) {
	if mutate == nil {
		return nil, fmt.Errorf("apply: nil mutation")
	}
	var updated models.User
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).Where(where, arg).UpdateColumn("version", gorm.Expr("version + 1"))
		if res.Error != nil {
			return fmt.Errorf("lock user: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		var user models.User
		if errFind := tx.Where(where, arg).Take(&user).Error; errFind != nil {
			return fmt.Errorf("load user: %w", errFind)
		}

		next, errMutate := mutate(&user)
		if errMutate != nil {
			return errMutate
		}

		columns := models.LedgerColumns(next)
		columns["updated_at"] = s.now()
		if errUpdate := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(columns).Error; errUpdate != nil {
			return fmt.Errorf("persist user: %w", errUpdate)
		}
		user.ApplyState(next)

		if after != nil {
			if errAfter := after(tx, &user); errAfter != nil {
				return errAfter
			}
		}
		updated = user
		return nil
	})
	if errTx != nil {
		return nil, errTx
	}
	return &updated, nil
}
