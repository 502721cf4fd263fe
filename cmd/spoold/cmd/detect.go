package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/paperoo/spool/internal/printer"
)

var detectJSON bool

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "List USB printers and serial ports on this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		candidates, err := printer.Detect()
		if err != nil {
			cmd.PrintErrf("warning: %v\n", err)
		}

		if detectJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(candidates)
		}

		if len(candidates) == 0 {
			cmd.Println("no printers found")
			return nil
		}
		for _, c := range candidates {
			switch c.Type {
			case printer.KindUSB:
				cmd.Printf("usb     %s:%s  %s\n", c.VendorID, c.ProductID, c.Description)
			default:
				cmd.Printf("%-7s %s  %s\n", c.Type, c.Port, c.Description)
			}
		}
		return nil
	},
}

func init() {
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "print candidates as JSON")
}
