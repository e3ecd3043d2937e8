package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentdeck/agentdeck/model"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_OWNER_USER_ID", "42")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.OwnerUserID != 42 {
		t.Fatalf("owner = %d", cfg.OwnerUserID)
	}
	if cfg.DashboardAddr() != "127.0.0.1:4312" {
		t.Fatalf("addr = %q", cfg.DashboardAddr())
	}
	if cfg.MaxUploadBytes != 25*1024*1024 {
		t.Fatalf("max upload = %d", cfg.MaxUploadBytes)
	}
	if cfg.ClaudeBin != "claude" || cfg.OpenCodeBin != "opencode" {
		t.Fatalf("engine bins = %q %q", cfg.ClaudeBin, cfg.OpenCodeBin)
	}
}

func TestValidateRequiresOwnerAndToken(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TELEGRAM_OWNER_USER_ID", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("validate passed with no token")
	}
}

func TestLoadRejectsBadOwnerID(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("TELEGRAM_OWNER_USER_ID", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("bad owner id accepted")
	}
}

func writeProjects(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadProjects(t *testing.T) {
	path := writeProjects(t, `[
		{"id":"deck","name":"AgentDeck","rootPath":"/srv/deck"},
		{"id":"site","name":"Site","rootPath":"/srv/site","defaultEngine":"opencode","opencodeAttachUrl":"http://localhost:7000"}
	]`)
	projects, err := LoadProjects(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("projects = %d", len(projects))
	}
	if projects[0].DefaultEngine != model.EngineClaude {
		t.Fatalf("default engine = %q", projects[0].DefaultEngine)
	}
	if projects[1].DefaultEngine != model.EngineOpenCode || projects[1].OpenCodeAttachURL == "" {
		t.Fatalf("second project = %+v", projects[1])
	}
}

func TestLoadProjectsRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing root": `[{"id":"a","name":"A"}]`,
		"duplicate id": `[{"id":"a","name":"A","rootPath":"/x"},{"id":"a","name":"B","rootPath":"/y"}]`,
		"bad engine":   `[{"id":"a","name":"A","rootPath":"/x","defaultEngine":"vim"}]`,
		"not an array": `{"id":"a"}`,
		"invalid json": `[`,
	}
	for name, body := range cases {
		if _, err := LoadProjects(writeProjects(t, body)); err == nil {
			t.Fatalf("%s: accepted", name)
		}
	}
}
