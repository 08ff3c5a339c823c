// Command ccvpnd is the background tunnel daemon: it owns the
// lifecycle state machine (controller.Controller), programs the OS via
// applicator.Linux, and exposes a Unix-domain-socket IPC surface that
// ccvpnctl (and anything else speaking the same framing) drives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ccvpn-oss/ccvpn/applicator"
	"github.com/ccvpn-oss/ccvpn/controller"
	"github.com/ccvpn-oss/ccvpn/logger"
	"github.com/ccvpn-oss/ccvpn/profile"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "ccvpnd",
		Short: "ccvpnd runs the VPN tunnel controller and its IPC server",
		RunE:  run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (searches /etc/ccvpnd, $HOME/.ccvpnd, . when unset)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.Select(logger.LOG_DAEMON, "ccvpnd", cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer (*log).Close()

	p := cfg.toProfile()
	if err := p.Validate(); err != nil {
		(*log).Err(fmt.Sprintf("invalid profile: %v", err))
		return err
	}

	app := applicator.NewLinux("")
	ctrl := controller.NewController(p, app, cfg.SessionPath, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if p.AutoConnect {
		if resumed, err := ctrl.ResumeFromPersistedSession(ctx); err != nil {
			(*log).Warning(fmt.Sprintf("resume persisted session: %v", err))
		} else if resumed {
			(*log).Info("resumed tunnel from persisted IKE session")
		}
	}

	if configPath != "" {
		watcher, err := controller.WatchConfig(configPath, func() {
			newCfg, err := loadConfig(configPath)
			if err != nil {
				(*log).Warning(fmt.Sprintf("reload config: %v", err))
				return
			}
			newProfile := newCfg.toProfile()
			if err := newProfile.Validate(); err != nil {
				(*log).Warning(fmt.Sprintf("reloaded profile invalid, keeping previous: %v", err))
				return
			}
			ctrl.SetProfile(newProfile)
			(*log).Info("reloaded connection profile from config file")
		})
		if err != nil {
			(*log).Warning(fmt.Sprintf("watch config for reload: %v", err))
		} else {
			defer watcher.Close()
		}
	}

	srv := controller.NewServer(cfg.SocketPath, ctrl, log)
	(*log).Info(fmt.Sprintf("ccvpnd listening on %s", cfg.SocketPath))

	err = srv.ListenAndServe(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), profile.TeardownWindow)
	defer cancel()
	if ctrl.Status().State != controller.StateIdle {
		if err := ctrl.Disconnect(shutdownCtx); err != nil {
			(*log).Warning(fmt.Sprintf("disconnect during shutdown: %v", err))
		}
	}
	return nil
}
