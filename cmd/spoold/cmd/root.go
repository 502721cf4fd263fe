package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/paperoo/spool/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "spoold",
	Short: "Receipt printer spool",
	Long: `spoold queues short task texts and prints them as receipts on an ESC/POS
printer reached over USB, serial or the network, optionally switching the
printer on through an MQTT smart plug first.

Common workflows:

  Run the spool:
    spoold serve --config spool.yaml

  Check that the configured printer answers:
    spoold probe

  List attached printers:
    spoold detect

  Queue a receipt on a running spool:
    spoold submit "Buy milk" --priority 4

Configuration:
  The config file may also be set with SPOOL_CONFIG. Environment variables
  such as PRINTER_TYPE, MQTT_BROKER and LANGUAGE override the file.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	viper.SetEnvPrefix("SPOOL")
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("config", "", "config file (YAML)")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.AddCommand(serveCmd, probeCmd, detectCmd, submitCmd)
}

func configPath() string {
	return viper.GetString("config")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
