package main

import (
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/vps-go/internal/config"
	"github.com/tonimelisma/vps-go/internal/credential"
	"github.com/tonimelisma/vps-go/internal/gateway"
	"github.com/tonimelisma/vps-go/pkg/vps"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP gateway",
		Long: `Run an HTTP gateway that forwards job submission, status reads and
progress (as server-sent events) to the VPS, sharing one credential cache
and connection pool across all callers.

The API key file is watched for changes; SIGHUP (see "vps-go reload")
re-reads it on demand. SIGINT or SIGTERM drains in-flight requests.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "listen address (overrides [gateway] listen)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	logger := cc.Logger

	lock, err := acquireGatewayLock(config.DefaultServePIDPath())
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx := shutdownContext(cmd.Context(), logger)

	client, err := newServiceClient(cc, true)
	if err != nil {
		return err
	}
	defer client.Close()

	rec, err := openRecorder(ctx, cc)
	if err != nil {
		return err
	}
	defer rec.Close()

	gin.SetMode(gin.ReleaseMode)

	srv := gateway.New(client, gateway.Options{
		AllowedOrigins: cc.Cfg.AllowedOrigins,
		Recorder:       rec,
		Logger:         logger,
	})

	ln, err := net.Listen("tcp", cc.Cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cc.Cfg.Listen, err)
	}

	if err := lock.SetAddr(ln.Addr().String()); err != nil {
		ln.Close()

		return err
	}

	logger.Debug("gateway upstream", slog.String("base_url", client.BaseURL()))
	cc.Statusf("Gateway listening on http://%s\n", ln.Addr())

	// The environment key wins over the file, so only a file-sourced key
	// is watched and reloaded.
	keyFile := ""
	if cc.Cfg.APIKey == "" {
		keyFile = cc.Cfg.APIKeyFile
	}

	reloadLoop := watchReload(logger, func() {
		reloadAPIKey(client, keyFile, logger)
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})

	if keyFile != "" {
		g.Go(func() error {
			return client.WatchKeyFile(gctx, keyFile)
		})
	}

	g.Go(func() error {
		return reloadLoop(gctx)
	})

	return g.Wait()
}

// reloadAPIKey re-reads keyFile into client and forces a new token. With no
// key file it only discards the cached token.
func reloadAPIKey(client *vps.Client, keyFile string, logger *slog.Logger) {
	if keyFile == "" {
		logger.Info("no api_key_file configured, discarding cached token only")
		client.Invalidate()

		return
	}

	key, err := credential.ReadKeyFile(keyFile)
	if err != nil {
		logger.Warn("reloading API key failed, keeping current key",
			slog.String("path", keyFile),
			slog.String("error", err.Error()),
		)

		return
	}

	// SetAPIKey only invalidates when the key changed; a reload always
	// forces a fresh token.
	client.SetAPIKey(key)
	client.Invalidate()
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "reload",
		Short:       "Make a running gateway re-read its API key file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			info, err := signalGateway(config.DefaultServePIDPath(), syscall.SIGHUP)
			if err != nil {
				return err
			}

			if info.Addr != "" {
				cc.Statusf("Reload signal sent to gateway on %s (PID %d)\n", info.Addr, info.PID)
			} else {
				cc.Statusf("Reload signal sent to gateway (PID %d)\n", info.PID)
			}

			return nil
		},
	}
}
