package taxonomy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinRegistryIsValid(t *testing.T) {
	reg, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !reg.Has(Fallback) {
		t.Fatalf("expected fallback category %q to be present", Fallback)
	}
	if len(reg.Definitions()) != 12 {
		t.Fatalf("expected 12 categories, got %d", len(reg.Definitions()))
	}
	def, err := reg.Get("refund")
	if err != nil {
		t.Fatalf("Get refund failed: %v", err)
	}
	if def.Priority != "high" || def.Team != "billing" {
		t.Fatalf("unexpected refund routing: priority=%s team=%s", def.Priority, def.Team)
	}
}

func TestGetUnknownCategory(t *testing.T) {
	reg, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := reg.Get("nonsense"); err == nil {
		t.Fatal("expected error for unknown category")
	}
	if err := reg.Validate("refund", "nonsense"); err == nil {
		t.Fatal("expected Validate to reject unknown category")
	}
}

func TestLoadAppendsFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	yaml := `categories:
  - name: refund
    description: money back
    indicators: ["refund"]
    priority: high
    team: billing
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write taxonomy file: %v", err)
	}

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(reg.Definitions()) != 2 {
		t.Fatalf("expected refund + fallback, got %d categories", len(reg.Definitions()))
	}
	if !reg.Has(Fallback) {
		t.Fatal("expected fallback to be appended")
	}
}

func TestLoadRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "duplicate",
			yaml: "categories:\n  - name: refund\n    priority: high\n  - name: refund\n    priority: low\n",
		},
		{
			name: "empty name",
			yaml: "categories:\n  - name: \"\"\n    priority: high\n",
		},
		{
			name: "bad priority",
			yaml: "categories:\n  - name: refund\n    priority: urgent\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "taxonomy.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0644); err != nil {
				t.Fatalf("write taxonomy file: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected Load to fail")
			}
		})
	}
}
