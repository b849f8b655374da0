package main

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"kasirinaja/backoffice/internal/config"
	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/logging"
	"kasirinaja/backoffice/internal/store/memory"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", ConflictRetryAttempts: 3})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigRejectsZeroRetries(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	if err == nil {
		t.Fatalf("expected zero retry attempts to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", ConflictRetryAttempts: 4})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestSeedAdminOnEmptyUserTable(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	if err := seedAdmin(ctx, repo, "s3cret-admin", logging.Discard()); err != nil {
		t.Fatalf("seed admin failed: %v", err)
	}
	users, err := repo.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 || users[0].Username != "admin" || users[0].Role != domain.RoleAdmin || !users[0].Active {
		t.Fatalf("expected one active admin, got %+v", users)
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt hash, got %q", users[0].Password)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(users[0].Password), []byte("s3cret-admin")); err != nil {
		t.Fatalf("stored hash does not match seed password: %v", err)
	}

	if err := seedAdmin(ctx, repo, "another-password", logging.Discard()); err != nil {
		t.Fatalf("second seed failed: %v", err)
	}
	again, _ := repo.ListUsers(ctx)
	if len(again) != 1 || again[0].Password != users[0].Password {
		t.Fatalf("seeding must be a no-op once users exist, got %+v", again)
	}
}

func TestSeedAdminSkipsWithoutPassword(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	if err := seedAdmin(ctx, repo, "", logging.Discard()); err != nil {
		t.Fatalf("seed admin failed: %v", err)
	}
	users, _ := repo.ListUsers(ctx)
	if len(users) != 0 {
		t.Fatalf("expected no users without a seed password, got %d", len(users))
	}
}
