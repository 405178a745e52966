package runtime

import (
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"local ok", Config{Kind: KindLocal, SrcBaseDir: "~/.mux/src"}, false},
		{"local missing base", Config{Kind: KindLocal}, true},
		{"worktree ok", Config{Kind: KindWorktree, SrcBaseDir: "/tmp/ws"}, false},
		{"ssh ok", Config{Kind: KindSSH, Host: "dev.example.com", BaseDir: "~/ws"}, false},
		{"ssh missing host", Config{Kind: KindSSH, BaseDir: "~/ws"}, true},
		{"ssh missing basedir", Config{Kind: KindSSH, Host: "dev.example.com"}, true},
		{"docker ok", Config{Kind: KindDocker, Image: "ubuntu:24.04"}, false},
		{"docker missing image", Config{Kind: KindDocker}, true},
		{"unknown kind", Config{Kind: "podman"}, true},
		{"empty kind", Config{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestContainerName_Deterministic(t *testing.T) {
	a := ContainerName("/home/u/projects/api", "feature-x")
	b := ContainerName("/home/u/projects/api", "feature-x")
	if a != b {
		t.Errorf("same identity produced different names: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "mux-api-feature-x-") {
		t.Errorf("name = %q", a)
	}
}

func TestContainerName_DistinctPerWorkspace(t *testing.T) {
	a := ContainerName("/home/u/projects/api", "feature-x")
	b := ContainerName("/home/u/projects/api", "feature-y")
	if a == b {
		t.Error("different workspaces must get different container names")
	}

	// Same workspace name under different projects must also differ.
	c := ContainerName("/home/u/other/api", "feature-x")
	if a == c {
		t.Error("same project basename under different paths must get different container names")
	}
}

func TestContainerName_Sanitization(t *testing.T) {
	name := ContainerName("/p/My Project!", "feat/ADD_thing")
	if strings.ToLower(name) != name {
		t.Errorf("name not lowercased: %q", name)
	}
	for _, r := range name {
		valid := r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !valid {
			t.Errorf("invalid rune %q in %q", r, name)
		}
	}
	if strings.Contains(name, "--") {
		t.Errorf("collapsed separators expected, got %q", name)
	}
}

func TestContainerName_LongNamesBounded(t *testing.T) {
	long := strings.Repeat("verylongsegment", 10)
	name := ContainerName("/p/"+long, long)
	// Docker caps container names well above this; the derived parts stay
	// bounded so the suffix always fits.
	if len(name) > 80 {
		t.Errorf("name too long (%d): %q", len(name), name)
	}
}
