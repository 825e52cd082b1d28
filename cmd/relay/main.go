// The relay daemon: an oblivious forwarding hub for cliprelay rooms.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cliprelay/internal/app"
	"cliprelay/internal/config"
	"cliprelay/internal/logx"
)

const (
	exitOK        = 0
	exitFatal     = 1
	exitBadConfig = 2
)

var errBadConfig = errors.New("bad configuration")

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var (
		bindAddress string
		configFile  string
	)

	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "cliprelay forwarding relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			cfg.ApplyEnv()
			if cmd.Flags().Changed("bind-address") {
				cfg.BindAddress = bindAddress
			}
			if err := cfg.FixupAndValidate(); err != nil {
				return fmt.Errorf("%w: %v", errBadConfig, err)
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVar(&bindAddress, "bind-address", config.DefaultBindAddress, "HOST:PORT to listen on")
	cmd.Flags().StringVar(&configFile, "config", "", "optional TOML configuration file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		if errors.Is(err, errBadConfig) {
			return exitBadConfig
		}
		return exitFatal
	}
	return exitOK
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadConfig, err)
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	logs, err := logx.New(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadConfig, err)
	}
	log := logs.GetLogger("relay")

	a := app.New(cfg, logs)
	srv := &http.Server{
		Addr:    cfg.BindAddress,
		Handler: a.Mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Infof("relay listening on %s", cfg.BindAddress)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Errorf("serve: %v", err)
		return err
	case sig := <-stop:
		log.Infof("signal %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.WSS.Shutdown(ctx)
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
	log.Infof("bye")
	return nil
}
