// Package store provides the unit-of-work used by every multi-row engine transition.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mealdrop/mealdrop/internal/apperr"
	"gorm.io/gorm"
)

// Transactor runs functions inside database transactions.
type Transactor struct {
	db *gorm.DB
}

// NewTransactor constructs a Transactor.
func NewTransactor(db *gorm.DB) *Transactor {
	return &Transactor{db: db}
}

// DB returns a session bound to ctx for reads outside a transaction.
func (t *Transactor) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		ctx = context.Background()
	}
	return t.db.WithContext(ctx)
}

// InTx runs fn in a single transaction. Any error or panic rolls back every
// write made through tx. Unclassified errors surface as TransientStoreError.
func (t *Transactor) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if t == nil || t.db == nil {
		return apperr.New(apperr.KindTransientStoreError, "store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	errTx := t.db.WithContext(ctx).Transaction(fn)
	return Classify(errTx, "")
}

// Classify maps a store error onto the engine taxonomy. Classified errors pass
// through, gorm.ErrRecordNotFound becomes NotFound for entity, and anything else
// is a TransientStoreError.
func Classify(err error, entity string) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if entity == "" {
			entity = "record"
		}
		return apperr.NotFound(entity)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTransientStoreError, "request cancelled", err)
	}
	return apperr.Wrap(apperr.KindTransientStoreError, "store failure", err)
}

// Wrapf annotates err with an operation name, preserving its classification.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
