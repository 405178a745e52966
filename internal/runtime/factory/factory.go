// Package factory constructs Runtime variants from persisted runtime
// configuration. The Kind switch here is the only place in the codebase that
// narrows a runtime config; everything downstream works against the Runtime
// interface.
package factory

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/muxhq/mux/internal/common/logger"
	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/runtime/dockerrt"
	"github.com/muxhq/mux/internal/runtime/local"
	"github.com/muxhq/mux/internal/runtime/sshrt"
	"golang.org/x/crypto/ssh"
)

// Deps carries the shared infrastructure runtime construction may need.
// Fields are optional per kind; New reports which one was missing.
type Deps struct {
	Log *logger.Logger

	// WorktreeBaseDir is the shared worktree base for worktree-kind
	// runtimes. Falls back to the config's srcBaseDir when empty.
	WorktreeBaseDir string

	// SSHConfig yields client auth for a host. Required for the ssh kind.
	SSHConfig func(host string) (*ssh.ClientConfig, error)

	// DockerClient is reused when set; otherwise a client is built from the
	// environment on first docker-kind construction.
	DockerClient *client.Client
}

// New builds the Runtime variant selected by cfg.Kind for the workspace
// identified by projectPath and workspaceName. The identity matters only for
// the docker kind, where it seeds the derived container name.
func New(ctx context.Context, cfg runtime.Config, projectPath, workspaceName string, deps Deps) (runtime.Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case runtime.KindLocal:
		return local.New(cfg.SrcBaseDir, deps.Log), nil

	case runtime.KindWorktree:
		base := deps.WorktreeBaseDir
		if base == "" {
			base = cfg.SrcBaseDir
		}
		return local.New(base, deps.Log), nil

	case runtime.KindSSH:
		if deps.SSHConfig == nil {
			return nil, fmt.Errorf("runtime factory: ssh kind requires an SSH client config provider")
		}
		clientCfg, err := deps.SSHConfig(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("runtime factory: ssh config for %s: %w", cfg.Host, err)
		}
		return sshrt.Dial(cfg.Host, clientCfg, cfg.BaseDir, deps.Log)

	case runtime.KindDocker:
		cli := deps.DockerClient
		if cli == nil {
			var err error
			cli, err = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
			if err != nil {
				return nil, fmt.Errorf("runtime factory: docker client: %w", err)
			}
		}
		name := cfg.ContainerName
		if name == "" {
			name = runtime.ContainerName(projectPath, workspaceName)
		}
		if err := dockerrt.EnsureContainer(ctx, cli, name, cfg.Image, cfg.ShareCredentials, deps.Log); err != nil {
			return nil, err
		}
		baseDir := cfg.BaseDir
		if baseDir == "" {
			baseDir = "/workspaces"
		}
		return dockerrt.New(cli, name, baseDir, deps.Log), nil

	default:
		return nil, fmt.Errorf("runtime factory: unknown kind %q", cfg.Kind)
	}
}
