package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paperoo/spool/internal/printer"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that the configured printer is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		t, err := printer.New(cfg.Printer)
		if err != nil {
			return err
		}
		defer t.Close()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Printer.ProbeTimeout)
		defer cancel()
		if err := t.Probe(ctx); err != nil {
			return fmt.Errorf("%s printer at %s: %w", t.Kind(), t.Address(), err)
		}
		cmd.Printf("%s printer at %s is reachable\n", t.Kind(), t.Address())
		return nil
	},
}
