package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paperoo/spool/internal/app"
	"github.com/paperoo/spool/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the spool",
	Long:  `Start the HTTP API and the delivery worker. SIGHUP reloads the configuration; SIGINT or SIGTERM stops after the receipt in progress.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.New(cfg.Logging)

		svc, err := app.New(cfg, configPath(), log)
		if err != nil {
			log.Error("failed to start", "error", err)
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if err := svc.Reload(); err != nil {
						log.Warn("reload failed", "error", err)
					}
				}
			}
		}()

		log.Info("spool starting", "port", cfg.Server.Port, "printer", cfg.Printer.Type, "power", cfg.Power.Enabled)
		return svc.Run(ctx)
	},
}
