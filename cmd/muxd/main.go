// Command muxd is the workspace execution daemon. It serves the workspace
// lifecycle API and background process streaming over HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"github.com/muxhq/mux/internal/bgproc"
	"github.com/muxhq/mux/internal/common/config"
	"github.com/muxhq/mux/internal/common/httpmw"
	"github.com/muxhq/mux/internal/common/logger"
	"github.com/muxhq/mux/internal/events/bus"
	"github.com/muxhq/mux/internal/gateway"
	"github.com/muxhq/mux/internal/runtime/factory"
	"github.com/muxhq/mux/internal/workspace"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the config directory")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()
	logger.SetDefault(log)

	dbPath, err := expandHome(cfg.Database.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	db, err := workspace.OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := workspace.NewStore(db)
	if err != nil {
		return err
	}

	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	srcBaseDir, err := expandHome(cfg.Workspace.SrcBaseDir)
	if err != nil {
		return err
	}

	deps := factory.Deps{
		Log:             log,
		WorktreeBaseDir: srcBaseDir,
		SSHConfig:       sshConfigProvider(),
	}
	if dockerCli, err := newDockerClient(cfg.Docker); err == nil {
		deps.DockerClient = dockerCli
	} else {
		log.Warn("docker client unavailable, docker workspaces disabled", zap.Error(err))
	}

	workspaces := workspace.NewService(store, eventBus, deps, log)
	procs := bgproc.NewManager(eventBus, log)
	procStore := bgproc.NewStore(
		snapshotSubscriber(eventBus, procs),
		func(ctx context.Context, workspaceID, processID string) error {
			return procs.Terminate(workspaceID, processID)
		},
		func(ctx context.Context, workspaceID, toolCallID string) (*bgproc.ProcessInfo, error) {
			return procs.SendToBackground(workspaceID, toolCallID)
		},
		log,
	)

	if os.Getenv("MUX_ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), httpmw.RequestLogger(log, "muxd"))

	gw := gateway.New(workspaces, procs, procStore, log)
	gw.RegisterRoutes(engine)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("muxd listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// snapshotSubscriber adapts the event bus into the client store's transport:
// it seeds the current manager state, then relays published snapshots until
// ctx is cancelled.
func snapshotSubscriber(eventBus bus.EventBus, procs *bgproc.Manager) bgproc.SubscribeFunc {
	return func(ctx context.Context, workspaceID string, onSnapshot func(bgproc.Snapshot)) error {
		sub, err := eventBus.Subscribe(bgproc.Subject(workspaceID), func(_ context.Context, event *bus.Event) error {
			var snap bgproc.Snapshot
			if err := event.Decode(&snap); err != nil {
				return err
			}
			onSnapshot(snap)
			return nil
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()

		onSnapshot(procs.Snapshot(workspaceID))
		<-ctx.Done()
		return nil
	}
}

// newEventBus selects NATS when a URL is configured, otherwise the in-memory
// bus.
func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg.NATS, log)
}

func newDockerClient(cfg config.DockerConfig) (*client.Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	return client.NewClientWithOpts(opts...)
}

// sshConfigProvider builds SSH client configs from the user's default
// private keys. Hosts may carry a user@ prefix; otherwise the current OS
// user is assumed.
func sshConfigProvider() func(host string) (*ssh.ClientConfig, error) {
	return func(host string) (*ssh.ClientConfig, error) {
		userName := ""
		if i := strings.Index(host, "@"); i > 0 {
			userName = host[:i]
		}
		if userName == "" {
			u, err := user.Current()
			if err != nil {
				return nil, fmt.Errorf("determining ssh user: %w", err)
			}
			userName = u.Username
		}

		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		var signers []ssh.Signer
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			keyBytes, err := os.ReadFile(filepath.Join(home, ".ssh", name))
			if err != nil {
				continue
			}
			signer, err := ssh.ParsePrivateKey(keyBytes)
			if err != nil {
				continue
			}
			signers = append(signers, signer)
		}
		if len(signers) == 0 {
			return nil, fmt.Errorf("no usable ssh keys in %s/.ssh", home)
		}

		return &ssh.ClientConfig{
			User: userName,
			Auth: []ssh.AuthMethod{ssh.PublicKeys(signers...)},
			// Workspace hosts are user-specified; key verification is the
			// operator's responsibility for now.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         10 * time.Second,
		}, nil
	}
}

func expandHome(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding %s: %w", p, err)
		}
		if p == "~" {
			return home, nil
		}
		return filepath.Join(home, p[2:]), nil
	}
	return p, nil
}
