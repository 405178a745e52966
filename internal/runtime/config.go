package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// Kind discriminates the Runtime transport variants.
type Kind string

const (
	KindLocal    Kind = "local"
	KindWorktree Kind = "worktree"
	KindSSH      Kind = "ssh"
	KindDocker   Kind = "docker"
)

// Config is the persisted, discriminated runtime configuration. Kind selects
// the variant; the remaining fields apply per kind. It is decoded once and
// switched exhaustively at construction time in the factory, never narrowed
// at call sites.
type Config struct {
	Kind Kind `json:"kind" mapstructure:"kind"`

	// SrcBaseDir anchors computed workspace paths for local and worktree
	// runtimes. Supports ~ expansion.
	SrcBaseDir string `json:"src_base_dir,omitempty" mapstructure:"srcBaseDir"`

	// Host and BaseDir configure the SSH runtime.
	Host    string `json:"host,omitempty" mapstructure:"host"`
	BaseDir string `json:"base_dir,omitempty" mapstructure:"baseDir"`

	// Image, ContainerName and ShareCredentials configure the Docker runtime.
	Image            string `json:"image,omitempty" mapstructure:"image"`
	ContainerName    string `json:"container_name,omitempty" mapstructure:"containerName"`
	ShareCredentials bool   `json:"share_credentials,omitempty" mapstructure:"shareCredentials"`
}

// Validate checks the per-kind required fields.
func (c *Config) Validate() error {
	switch c.Kind {
	case KindLocal, KindWorktree:
		if c.SrcBaseDir == "" {
			return fmt.Errorf("runtime config: srcBaseDir is required for kind %q", c.Kind)
		}
	case KindSSH:
		if c.Host == "" {
			return fmt.Errorf("runtime config: host is required for kind ssh")
		}
		if c.BaseDir == "" {
			return fmt.Errorf("runtime config: baseDir is required for kind ssh")
		}
	case KindDocker:
		if c.Image == "" {
			return fmt.Errorf("runtime config: image is required for kind docker")
		}
	default:
		return fmt.Errorf("runtime config: unknown kind %q", c.Kind)
	}
	return nil
}

// ContainerName derives the deterministic Docker container name for a
// workspace from the destination workspace identity. Forks must never
// inherit the source's container name verbatim; re-deriving from
// (projectPath, workspaceName) keeps parent and fork from colliding.
func ContainerName(projectPath, workspaceName string) string {
	project := sanitizeNamePart(filepath.Base(projectPath))
	workspace := sanitizeNamePart(workspaceName)

	sum := sha256.Sum256([]byte(projectPath + "\x00" + workspaceName))
	suffix := hex.EncodeToString(sum[:3])

	return "mux-" + project + "-" + workspace + "-" + suffix
}

// sanitizeNamePart reduces a path or branch segment to the characters Docker
// accepts in container names.
func sanitizeNamePart(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	out := strings.Trim(sb.String(), "-")
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	if out == "" {
		out = "ws"
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "-")
	}
	return out
}
