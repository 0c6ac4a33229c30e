package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orbitprofiler/orbitdeploy/internal/config"
	"github.com/orbitprofiler/orbitdeploy/internal/deploy"
	"github.com/orbitprofiler/orbitdeploy/internal/orbitssh"
	"github.com/orbitprofiler/orbitdeploy/internal/protocol"
)

const probeTimeout = 10 * time.Second

type deployFlags struct {
	configPath string
	host       string
	probe      bool
	watch      bool
	debug      bool
	logJSON    bool
}

func newDeployCmd() *cobra.Command {
	flags := &deployFlags{}

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy OrbitService and forward its gRPC port",
		Long: `Connect to the configured instance, deploy OrbitService as configured and
forward its gRPC port to a local port until interrupted.

With --probe the forwarded port is checked with a gRPC connection and the
command exits. With --watch the deployment is redone whenever the config file
changes.`,
		Example: `  orbitdeploy deploy --config ~/.config/orbitdeploy/orbitdeploy.toml
  ORBITDEPLOY_ROOT_PASSWORD=secret orbitdeploy deploy --host 10.0.0.12 --probe`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeploy(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", config.DefaultPath(), "path to config file (env "+config.EnvConfigPath+")")
	cmd.Flags().StringVar(&flags.host, "host", "", "override connection.host")
	cmd.Flags().BoolVar(&flags.probe, "probe", false, "check the forwarded port with a gRPC connection and exit")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "redeploy when the config file changes")
	cmd.Flags().BoolVar(&flags.debug, "debug", Version == "dev", "enable debug logging")
	cmd.Flags().BoolVar(&flags.logJSON, "log-json", false, "write logs as JSON")
	cmd.MarkFlagsMutuallyExclusive("probe", "watch")

	return cmd
}

func runDeploy(ctx context.Context, out io.Writer, flags *deployFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	flush, err := setupLogging(flags.debug || cfg.Log.Debug, flags.logJSON || cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer flush()
	slog.Info("orbitdeploy starting", "version", Version, "config", flags.configPath)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sshCtx, err := orbitssh.NewContext(
		orbitssh.WithLogger(slog.Default()),
		orbitssh.WithClientVersion("SSH-2.0-orbitdeploy_"+Version),
	)
	if err != nil {
		return err
	}

	if !flags.watch {
		return serve(ctx, out, sshCtx, cfg, flags)
	}
	return watchAndServe(ctx, out, sshCtx, cfg, flags)
}

// watchAndServe keeps one deployment running and replaces it whenever the
// config file changes. A failed deployment waits for the next change.
func watchAndServe(ctx context.Context, out io.Writer, sshCtx *orbitssh.Context, cfg *config.Config, flags *deployFlags) error {
	w := config.NewWatcher(flags.configPath, slog.Default())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(w.Start)
	g.Go(func() error {
		defer w.Stop()
		for {
			runCtx, cancel := context.WithCancel(gctx)
			done := make(chan error, 1)
			go func() { done <- serve(runCtx, out, sshCtx, cfg, flags) }()

			select {
			case next := <-w.OnChange():
				slog.Info("configuration changed, redeploying")
				cancel()
				<-done
				cfg = next
				continue
			case err := <-done:
				cancel()
				if err != nil && gctx.Err() == nil {
					slog.Error("deployment failed, waiting for a config change", "error", err)
				}
			case <-gctx.Done():
				cancel()
				<-done
				return nil
			}

			select {
			case next := <-w.OnChange():
				cfg = next
			case <-gctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}

// serve runs one deployment and keeps the port forwarded until ctx is done
// or the connection fails.
func serve(ctx context.Context, out io.Writer, sshCtx *orbitssh.Context, cfg *config.Config, flags *deployFlags) error {
	creds, err := credentialsFromConfig(cfg.Connection, flags.host)
	if err != nil {
		return err
	}
	d, err := deploymentFromConfig(cfg.Deployment, config.RootPassword)
	if err != nil {
		return err
	}
	appVersion := cfg.Deployment.AppVersion
	if appVersion == "" {
		appVersion = Version
	}

	m := deploy.NewManager(d, sshCtx, creds, deploy.GrpcPort{GrpcPort: uint16(cfg.Connection.GrpcPort)},
		deploy.WithLogger(slog.Default()),
		deploy.WithAppVersion(appVersion),
		deploy.WithDevMode(cfg.Deployment.DevMode),
		deploy.WithStatusFunc(func(msg string) { fmt.Fprintln(out, msg) }),
	)
	defer m.Shutdown()

	socketErr := make(chan error, 1)
	m.SocketError.Connect(func(err error) {
		select {
		case socketErr <- err:
		default:
		}
	})

	port, err := m.Exec(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "OrbitService is reachable at %s:%d\n", protocol.Localhost, port.GrpcPort)

	if flags.probe {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := deploy.ProbeGRPC(pctx, port.GrpcPort); err != nil {
			return fmt.Errorf("probing forwarded port: %w", err)
		}
		fmt.Fprintln(out, "gRPC connection is ready.")
		return nil
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return nil
	case err := <-socketErr:
		return fmt.Errorf("connection to the instance failed: %w", err)
	}
}

func credentialsFromConfig(c config.ConnectionConfig, hostOverride string) (orbitssh.Credentials, error) {
	host := c.Host
	if hostOverride != "" {
		host = hostOverride
	}
	if host == "" {
		return orbitssh.Credentials{}, errors.New("no host configured: set connection.host or --host")
	}
	user := c.User
	if user == "" {
		user = os.Getenv("USER")
	}
	return orbitssh.Credentials{
		AddrAndPort:    orbitssh.AddrAndPort{Addr: host, Port: uint16(c.Port)},
		User:           user,
		KnownHostsPath: c.KnownHosts,
		KeyPath:        c.IdentityFile,
	}, nil
}

func deploymentFromConfig(c config.DeploymentConfig, rootPassword func() (string, error)) (deploy.Deployment, error) {
	switch c.Mode {
	case config.ModeSignedPackage:
		return deploy.SignedPackageDeployment{
			PackagePath:   c.PackagePath,
			SignaturePath: c.SignaturePath,
		}, nil

	case config.ModeBareExecutable:
		pw, err := rootPassword()
		if err != nil {
			return nil, err
		}
		d := deploy.NewBareExecutableDeployment(c.ExecutablePath, pw)
		if c.APILibPath != "" {
			d.APILibraryPath = c.APILibPath
		}
		if c.UserspaceInstrumentationLibPath != "" {
			d.UserspaceInstrumentationLibraryPath = c.UserspaceInstrumentationLibPath
		}
		return d, nil

	default:
		return deploy.NoDeployment{}, nil
	}
}
