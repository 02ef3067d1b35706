package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DEFAULT_BRANCH_ID", "")
	t.Setenv("CURRENCY", "")
	t.Setenv("EXCESS_DISPOSITION", "")
	t.Setenv("COMMIT_RETRIES", "bogus")

	cfg := Load()
	if cfg.BranchID != "branch-main" {
		t.Fatalf("expected default branch, got %q", cfg.BranchID)
	}
	if cfg.Currency != "IDR" {
		t.Fatalf("expected IDR, got %q", cfg.Currency)
	}
	if cfg.ExcessDisposition != "change" {
		t.Fatalf("expected change disposition, got %q", cfg.ExcessDisposition)
	}
	if cfg.CommitRetries != 3 {
		t.Fatalf("expected 3 retries on bad input, got %d", cfg.CommitRetries)
	}
}
