package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/mealdrop/mealdrop/internal/apperr"
	"gorm.io/gorm"
)

type widget struct {
	ID   uint64 `gorm:"primaryKey"`
	Name string
}

func openWidgets(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+filepath.Join(t.TempDir(), "store.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if errMigrate := conn.AutoMigrate(&widget{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func TestInTxRollsBackOnClassifiedError(t *testing.T) {
	conn := openWidgets(t)
	tx := NewTransactor(conn)

	errTx := tx.InTx(context.Background(), func(tx *gorm.DB) error {
		if errCreate := tx.Create(&widget{Name: "a"}).Error; errCreate != nil {
			return errCreate
		}
		return apperr.Conflict("boom")
	})
	if !errors.Is(errTx, apperr.ErrConflictState) {
		t.Fatalf("expected conflict, got %v", errTx)
	}
	var count int64
	conn.Model(&widget{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected rollback, found %d rows", count)
	}
}

func TestInTxWrapsUnclassifiedErrors(t *testing.T) {
	conn := openWidgets(t)
	tx := NewTransactor(conn)

	errTx := tx.InTx(context.Background(), func(tx *gorm.DB) error {
		return errors.New("disk on fire")
	})
	if !errors.Is(errTx, apperr.ErrTransientStoreError) {
		t.Fatalf("expected transient store error, got %v", errTx)
	}
}

func TestInTxRollsBackOnPanic(t *testing.T) {
	conn := openWidgets(t)
	tx := NewTransactor(conn)

	func() {
		defer func() { _ = recover() }()
		_ = tx.InTx(context.Background(), func(tx *gorm.DB) error {
			tx.Create(&widget{Name: "b"})
			panic("mid-transition")
		})
	}()
	var count int64
	conn.Model(&widget{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected rollback after panic, found %d rows", count)
	}
}

func TestClassifyNotFound(t *testing.T) {
	err := Classify(gorm.ErrRecordNotFound, "subscription")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
	if Classify(nil, "x") != nil {
		t.Fatalf("expected nil")
	}
}
