package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	syncengine "github.com/lattice-sync/syncengine"
	"github.com/lattice-sync/syncengine/internal/config"
	"github.com/lattice-sync/syncengine/internal/logging"
	"github.com/lattice-sync/syncengine/internal/server"
	"github.com/lattice-sync/syncengine/internal/syncproto/tcptransport"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncengined",
		Short: "Peer-to-peer sync engine daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().String("device-id", "", "This device's identifier")
	cmd.PersistentFlags().String("user-id", "", "The user this device is authorized under")
	cmd.PersistentFlags().Bool("transport-enable-local-discovery", defaults.GetBool("transport.enable_local_discovery"), "Enable local peer discovery")
	cmd.PersistentFlags().Int("transport-listen-port", defaults.GetInt("transport.listen_port"), "TCP port for peer connections (0 for ephemeral)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "device.user_id", "user-id")
	bindFlag(cmd, "transport.enable_local_discovery", "transport-enable-local-discovery")
	bindFlag(cmd, "transport.listen_port", "transport-listen-port")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	deviceID := viper.GetString("device.id")
	userID := viper.GetString("device.user_id")

	engine, err := syncengine.Open(syncengine.Options{
		DatabasePath:  appConfig.DatabasePath,
		SigningSecret: appConfig.SigningSecret,
		DeviceID:      deviceID,
		UserID:        userID,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if deviceID != "" && userID != "" && appConfig.Transport.EnableLocalDiscovery {
		transport := tcptransport.New(deviceID)
		if err := engine.StartSync(signalCtx, transport, appConfig.Transport); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = engine.StopSync(shutdownCtx)
		}()
	} else {
		logger.Warn("peer sync disabled: device.id, device.user_id, and transport.enable_local_discovery must all be set")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Identity:    engine.Identity(),
		Engine:      engine.MergeEngine(),
		OpLog:       engine.OpLog(),
		TokenIssuer: engine.TokenIssuer(),
		SyncManager: engine.SyncManager(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
