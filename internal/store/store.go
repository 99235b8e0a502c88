package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"shop-monitor-backend/internal/apperr"
	"shop-monitor-backend/internal/model"
)

var (
	ErrMachineNotFound = apperr.New(apperr.KindNotFound, "machine not found")
	ErrUserNotFound    = apperr.New(apperr.KindNotFound, "user not found")
	ErrNodeNotFound    = apperr.New(apperr.KindNotFound, "node not found")
)

// Store defines the entity lookups and the machine-scoped transaction used
// by the session and lead components.
type Store interface {
	DB() *gorm.DB
	MachineByID(ctx context.Context, id int64) (*model.Machine, error)
	MachineByCode(ctx context.Context, code string) (*model.Machine, error)
	UserByID(ctx context.Context, id int64) (*model.User, error)
	UserByTag(ctx context.Context, tag string) (*model.User, error)
	NodeByIdentifier(ctx context.Context, identifier string) (*model.Node, error)
	// WithMachineLock runs fn in a transaction holding the machine row lock.
	// fn must issue every query through tx.
	WithMachineLock(ctx context.Context, machineID int64, fn func(tx *gorm.DB, m *model.Machine) error) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db    *gorm.DB
	locks *keyedMutex
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db, locks: newKeyedMutex()}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func (s *gormStore) MachineByID(ctx context.Context, id int64) (*model.Machine, error) {
	var m model.Machine
	if err := s.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, ErrMachineNotFound)
	}
	return &m, nil
}

func (s *gormStore) MachineByCode(ctx context.Context, code string) (*model.Machine, error) {
	var m model.Machine
	if err := s.db.WithContext(ctx).Where("machine_code = ?", code).First(&m).Error; err != nil {
		return nil, notFound(err, ErrMachineNotFound)
	}
	return &m, nil
}

func (s *gormStore) UserByID(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

func (s *gormStore) UserByTag(ctx context.Context, tag string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where("rfid_tag = ?", tag).First(&u).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &u, nil
}

func (s *gormStore) NodeByIdentifier(ctx context.Context, identifier string) (*model.Node, error) {
	var n model.Node
	if err := s.db.WithContext(ctx).Where("node_id = ?", identifier).First(&n).Error; err != nil {
		return nil, notFound(err, ErrNodeNotFound)
	}
	return &n, nil
}

func (s *gormStore) WithMachineLock(ctx context.Context, machineID int64, fn func(tx *gorm.DB, m *model.Machine) error) error {
	unlock := s.locks.Lock(machineID)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m model.Machine
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, machineID).Error; err != nil {
			return notFound(err, ErrMachineNotFound)
		}
		return fn(tx, &m)
	})
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return fmt.Errorf("query failed: %w", err)
}
