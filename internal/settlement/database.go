package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Begin creates the INIT record for a contract. A contract that already has
// a record, in any state, is refused with ErrDuplicateSettlement.
func (d *Database) Begin(ctx context.Context, req Request) (*Settlement, error) {
	if _, err := d.GetByContractHash(ctx, req.ContractHash); err == nil {
		return nil, ErrDuplicateSettlement
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check for existing settlement: %w", err)
	}

	record := &Settlement{
		SettlementID:    "STL_" + uuid.New().String(),
		ContractHash:    req.ContractHash,
		ContractName:    req.contractName(),
		State:           StateInit,
		OperatorAddress: req.Operator.Address,
		ClientAddress:   req.Client.Address,
	}
	if err := d.db.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateSettlement
		}
		return nil, fmt.Errorf("failed to create settlement record: %w", err)
	}
	return record, nil
}

func (d *Database) Save(ctx context.Context, record *Settlement) error {
	return d.db.WithContext(ctx).Save(record).Error
}

func (d *Database) GetByContractHash(ctx context.Context, contractHash string) (*Settlement, error) {
	var record Settlement
	if err := d.db.WithContext(ctx).Where("contract_hash = ?", contractHash).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns the newest records first, optionally only those in state.
func (d *Database) List(ctx context.Context, state State, limit int) ([]Settlement, error) {
	query := d.db.WithContext(ctx).Order("created_at DESC")
	if state != "" {
		query = query.Where("state = ?", state)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []Settlement
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ListUnfinished returns records in a non-terminal state that have not moved
// since before.
func (d *Database) ListUnfinished(ctx context.Context, before time.Time) ([]Settlement, error) {
	var unfinished []State
	for state := range states {
		if !state.Terminal() {
			unfinished = append(unfinished, state)
		}
	}

	var records []Settlement
	err := d.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", unfinished, before).
		Order("updated_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
