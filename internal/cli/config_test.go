package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFromPath_Missing(t *testing.T) {
	cfg, err := LoadConfigFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfigFromPath: %v", err)
	}
	if cfg.CurrentContext != "local" || cfg.Contexts["local"].Server != DefaultServer {
		t.Errorf("expected default config, got %+v", cfg)
	}
}

func TestConfig_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.SetContext("staging", &ContextConfig{Server: "https://staging:8080", Timeout: 10})
	if err := cfg.UseContext("staging"); err != nil {
		t.Fatalf("UseContext: %v", err)
	}
	if err := cfg.SaveToPath(path); err != nil {
		t.Fatalf("SaveToPath: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config file mode = %o, want 600", perm)
	}

	loaded, err := LoadConfigFromPath(path)
	if err != nil {
		t.Fatalf("LoadConfigFromPath: %v", err)
	}
	if loaded.CurrentContext != "staging" {
		t.Errorf("CurrentContext = %q, want staging", loaded.CurrentContext)
	}
	got, err := loaded.GetContext("staging")
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if got.Server != "https://staging:8080" || got.Timeout != 10 {
		t.Errorf("unexpected context %+v", got)
	}

	names := loaded.ListContexts()
	if len(names) != 2 || names[0] != "local" || names[1] != "staging" {
		t.Errorf("ListContexts = %v", names)
	}
}

func TestConfig_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("contexts: [not, a, map]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFromPath(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfig_UnknownContext(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UseContext("prod"); err == nil {
		t.Error("expected error switching to unknown context")
	}
	if _, err := cfg.GetContext(""); err == nil {
		t.Error("expected error for empty context name")
	}
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetContext("staging", &ContextConfig{Server: "http://staging:8080", Timeout: 5, APIKey: "sq_ctx"})

	tests := []struct {
		name        string
		serverFlag  string
		contextFlag string
		keyFlag     string
		envServer   string
		envContext  string
		envKey      string
		config      *Config
		want        Target
	}{
		{"defaults from current context", "", "", "", "", "", "", cfg, Target{Server: DefaultServer, Timeout: 30}},
		{"nil config", "", "", "", "", "", "", nil, Target{Server: DefaultServer}},
		{"context flag", "", "staging", "", "", "", "", cfg, Target{Server: "http://staging:8080", Timeout: 5, APIKey: "sq_ctx"}},
		{"context env", "", "", "", "", "staging", "", cfg, Target{Server: "http://staging:8080", Timeout: 5, APIKey: "sq_ctx"}},
		{"context flag beats env", "", "local", "", "", "staging", "", cfg, Target{Server: DefaultServer, Timeout: 30}},
		{"server env beats context", "", "staging", "", "http://env:1", "", "", cfg, Target{Server: "http://env:1", Timeout: 5, APIKey: "sq_ctx"}},
		{"server flag beats all", "http://flag:2", "staging", "", "http://env:1", "", "", cfg, Target{Server: "http://flag:2", Timeout: 5, APIKey: "sq_ctx"}},
		{"key env beats context", "", "staging", "", "", "", "sq_env", cfg, Target{Server: "http://staging:8080", Timeout: 5, APIKey: "sq_env"}},
		{"key flag beats env", "", "staging", "sq_flag", "", "", "sq_env", cfg, Target{Server: "http://staging:8080", Timeout: 5, APIKey: "sq_flag"}},
		{"unknown context falls back", "", "missing", "", "", "", "", cfg, Target{Server: DefaultServer}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvServer, tt.envServer)
			t.Setenv(EnvContext, tt.envContext)
			t.Setenv(EnvAPIKey, tt.envKey)

			got := Resolve(tt.serverFlag, tt.contextFlag, tt.keyFlag, tt.config)
			if got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
