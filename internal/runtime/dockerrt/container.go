package dockerrt

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/muxhq/mux/internal/common/logger"
	"go.uber.org/zap"
)

// EnsureContainer makes sure the long-lived workspace container exists and is
// running, creating it from imageRef when absent and pulling the image if it
// is not present locally. shareCredentials bind-mounts the host's git and SSH
// credentials read-only so in-container git can reach private remotes.
func EnsureContainer(ctx context.Context, cli *client.Client, name, imageRef string, shareCredentials bool, log *logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}

	inspect, err := cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State != nil && inspect.State.Running {
			return nil
		}
		log.Info("starting stopped workspace container", zap.String("container", name))
		if err := cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return fmt.Errorf("starting container %s: %w", name, err)
		}
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting container %s: %w", name, err)
	}

	hostCfg := &container.HostConfig{}
	if shareCredentials {
		if home, err := os.UserHomeDir(); err == nil {
			for _, rel := range []string{".ssh", ".gitconfig"} {
				src := filepath.Join(home, rel)
				if _, err := os.Stat(src); err == nil {
					hostCfg.Binds = append(hostCfg.Binds, src+":/root/"+rel+":ro")
				}
			}
		}
	}

	create := func() error {
		_, err := cli.ContainerCreate(ctx, &container.Config{
			Image: imageRef,
			// Keep the container alive; all work happens through exec.
			Cmd: []string{"sleep", "infinity"},
		}, hostCfg, nil, nil, name)
		return err
	}

	if err := create(); err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("creating container %s: %w", name, err)
		}
		log.Info("pulling workspace image", zap.String("image", imageRef))
		rc, pullErr := cli.ImagePull(ctx, imageRef, image.PullOptions{})
		if pullErr != nil {
			return fmt.Errorf("pulling image %s: %w", imageRef, pullErr)
		}
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
		if err := create(); err != nil {
			return fmt.Errorf("creating container %s: %w", name, err)
		}
	}

	if err := cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", name, err)
	}
	log.Info("created workspace container", zap.String("container", name), zap.String("image", imageRef))
	return nil
}
