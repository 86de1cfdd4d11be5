package conf

import (
	"os"
	"path/filepath"
	"testing"
)

func writeOperatorsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "operators.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOperators(t *testing.T) {
	path := writeOperatorsFile(t, `
operators:
  - id: ou_alice
    display_name: Alice
    active: true
    rating: 4.5
    sessions: 12
  - id: ou_bob
    active: false
`)

	operators, loadedPath, err := LoadOperators(path)
	if err != nil {
		t.Fatalf("LoadOperators: %v", err)
	}
	if loadedPath != path {
		t.Errorf("loaded path = %q, want %q", loadedPath, path)
	}
	if len(operators) != 2 {
		t.Fatalf("operators = %d, want 2", len(operators))
	}

	alice := operators[0]
	if alice.OperatorID != "ou_alice" || alice.DisplayName != "Alice" || !alice.IsActive {
		t.Errorf("alice parsed wrong: %+v", alice)
	}
	if alice.Rating != 4.5 || alice.TotalSessions != 12 {
		t.Errorf("alice stats = %v/%d, want 4.5/12", alice.Rating, alice.TotalSessions)
	}

	bob := operators[1]
	if bob.DisplayName != "ou_bob" {
		t.Errorf("missing display name should fall back to id, got %q", bob.DisplayName)
	}
	if bob.IsActive {
		t.Error("bob should be inactive")
	}
	if bob.Rating != 5.0 {
		t.Errorf("fresh operator rating = %v, want the 5.0 seed", bob.Rating)
	}
}

func TestLoadOperatorsMissingID(t *testing.T) {
	path := writeOperatorsFile(t, `
operators:
  - display_name: Nameless
    active: true
`)
	if _, _, err := LoadOperators(path); err == nil {
		t.Fatal("expected error for operator without id")
	}
}

func TestLoadOperatorsNotFound(t *testing.T) {
	if _, _, err := LoadOperators(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Feishu: FeishuConfig{AppID: "cli_x", AppSecret: "secret"},
		Engine: EngineConfig{ConfidenceThreshold: 0.7},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cfg.Feishu.AppSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing Feishu credentials")
	}

	cfg.Feishu.AppSecret = "secret"
	cfg.Engine.ConfidenceThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for out-of-range threshold")
	}
}
