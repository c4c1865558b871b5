package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DKeken/axion-stack-sub001/internal/user/domain"
)

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	user := domain.User{ID: "u1", Username: "alice", PasswordHash: "hash", CreatedAt: time.Now()}
	if err := repo.Create(ctx, user); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Create(ctx, domain.User{ID: "u2", Username: "alice"}); !errors.Is(err, ErrUsernameAlreadyExists) {
		t.Fatalf("expected ErrUsernameAlreadyExists, got %v", err)
	}

	byName, err := repo.FindByUsername(ctx, "alice")
	if err != nil || byName.ID != "u1" {
		t.Fatalf("FindByUsername: %+v, %v", byName, err)
	}
	byID, err := repo.FindByID(ctx, "u1")
	if err != nil || byID.Username != "alice" {
		t.Fatalf("FindByID: %+v, %v", byID, err)
	}

	if _, err := repo.FindByUsername(ctx, "bob"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestMemoryRepository_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := NewMemoryRepository().Create(ctx, domain.User{ID: "u1", Username: "alice"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
