// Package authz manages per-user, per-machine access grants.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"shop-monitor-backend/internal/apperr"
	"shop-monitor-backend/internal/log"
	"shop-monitor-backend/internal/model"
	"shop-monitor-backend/internal/outbox"
	"shop-monitor-backend/internal/store"
)

var (
	ErrDuplicate = apperr.New(apperr.KindConflict, "authorization already exists")
	ErrNotFound  = apperr.New(apperr.KindNotFound, "authorization not found")
)

// Policy is the mutable part of a grant.
type Policy struct {
	CanBeLead          bool `json:"can_be_lead"`
	MultiUserAllowed   bool `json:"multi_user_allowed"`
	MaxConcurrentUsers int  `json:"max_concurrent_users"`
}

// Grant creates an authorization for one user on one machine.
type Grant struct {
	UserID    int64 `json:"user_id"`
	MachineID int64 `json:"machine_id"`
	Policy
}

// Access is the effective permission of a user on a machine.
type Access struct {
	Allowed            bool
	Override           bool
	CanBeLead          bool
	MultiUserAllowed   bool
	MaxConcurrentUsers int
}

// Service is the authorization store.
type Service struct {
	db     *gorm.DB
	outbox *outbox.Outbox
	logger zerolog.Logger
}

// NewService creates the authorization store. Every change enqueues an
// authorization.updated event for the affected user.
func NewService(db *gorm.DB, ob *outbox.Outbox) *Service {
	return &Service{db: db, outbox: ob, logger: log.WithComponent("authz")}
}

func (p *Policy) normalize() error {
	if p.MaxConcurrentUsers == 0 {
		p.MaxConcurrentUsers = model.DefaultMaxConcurrentUsers
	}
	if p.MaxConcurrentUsers < 1 {
		return apperr.New(apperr.KindValidation, "max_concurrent_users must be at least 1")
	}
	return nil
}

// Grant creates a new authorization.
func (s *Service) Grant(ctx context.Context, g Grant) (*model.MachineAuthorization, error) {
	if err := g.Policy.normalize(); err != nil {
		return nil, err
	}

	var auth *model.MachineAuthorization
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&model.User{}, g.UserID).Error; err != nil {
			return lookupErr(err, store.ErrUserNotFound)
		}
		if err := tx.Select("id").First(&model.Machine{}, g.MachineID).Error; err != nil {
			return lookupErr(err, store.ErrMachineNotFound)
		}

		existing, err := store.Authorization(tx, g.UserID, g.MachineID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrDuplicate
		}

		auth = &model.MachineAuthorization{
			UserID:             g.UserID,
			MachineID:          g.MachineID,
			CanBeLead:          g.CanBeLead,
			MultiUserAllowed:   g.MultiUserAllowed,
			MaxConcurrentUsers: g.MaxConcurrentUsers,
		}
		if err := tx.Create(auth).Error; err != nil {
			return fmt.Errorf("failed to create authorization: %w", err)
		}
		_, err = s.outbox.Enqueue(tx, model.EventAuthorizationUpdated, "user", g.UserID, map[string]any{
			"action": "granted", "machine_id": g.MachineID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("user_id", g.UserID).Int64("machine_id", g.MachineID).Msg("Authorization granted")
	return auth, nil
}

// Update replaces the policy of an existing authorization.
func (s *Service) Update(ctx context.Context, userID, machineID int64, p Policy) (*model.MachineAuthorization, error) {
	if err := p.normalize(); err != nil {
		return nil, err
	}

	var auth *model.MachineAuthorization
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		auth, err = store.Authorization(tx, userID, machineID)
		if err != nil {
			return err
		}
		if auth == nil {
			return ErrNotFound
		}
		auth.CanBeLead = p.CanBeLead
		auth.MultiUserAllowed = p.MultiUserAllowed
		auth.MaxConcurrentUsers = p.MaxConcurrentUsers
		if err := tx.Save(auth).Error; err != nil {
			return fmt.Errorf("failed to update authorization: %w", err)
		}
		_, err = s.outbox.Enqueue(tx, model.EventAuthorizationUpdated, "user", userID, map[string]any{
			"action": "updated", "machine_id": machineID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return auth, nil
}

// Revoke deletes an authorization. Sessions already open are left alone.
func (s *Service) Revoke(ctx context.Context, userID, machineID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("user_id = ? AND machine_id = ?", userID, machineID).Delete(&model.MachineAuthorization{})
		if res.Error != nil {
			return fmt.Errorf("failed to revoke authorization: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		_, err := s.outbox.Enqueue(tx, model.EventAuthorizationUpdated, "user", userID, map[string]any{
			"action": "revoked", "machine_id": machineID,
		})
		return err
	})
}

// Check reports the user's effective access to the machine.
func (s *Service) Check(ctx context.Context, userID, machineID int64) (Access, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		return Access{}, lookupErr(err, store.ErrUserNotFound)
	}
	return Evaluate(s.db.WithContext(ctx), &u, machineID)
}

// ListForUser returns all of the user's grants.
func (s *Service) ListForUser(ctx context.Context, userID int64) ([]model.MachineAuthorization, error) {
	var auths []model.MachineAuthorization
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("machine_id").Find(&auths).Error
	return auths, err
}

// Evaluate computes access for u on the machine using tx. Admin override
// grants access and lead eligibility on every machine with no per-machine
// limits. Otherwise lead eligibility needs both the profile flag and the
// grant flag.
func Evaluate(tx *gorm.DB, u *model.User, machineID int64) (Access, error) {
	if u.AdminOverride {
		return Access{
			Allowed:   true,
			Override:  true,
			CanBeLead: true,
			// Override ignores exclusivity and capacity.
			MultiUserAllowed: true,
		}, nil
	}

	auth, err := store.Authorization(tx, u.ID, machineID)
	if err != nil {
		return Access{}, err
	}
	if auth == nil {
		return Access{}, nil
	}
	limit := auth.MaxConcurrentUsers
	if limit < 1 {
		limit = model.DefaultMaxConcurrentUsers
	}
	return Access{
		Allowed:            true,
		CanBeLead:          u.CanBeLead && auth.CanBeLead,
		MultiUserAllowed:   auth.MultiUserAllowed,
		MaxConcurrentUsers: limit,
	}, nil
}

func lookupErr(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
