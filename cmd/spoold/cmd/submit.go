package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var submitCmd = &cobra.Command{
	Use:   "submit [text]",
	Short: "Queue a receipt on a running spool",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"text":     strings.Join(args, " "),
			"priority": viper.GetInt("priority"),
		}
		if lang := viper.GetString("language"); lang != "" {
			body["language"] = lang
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}

		endpoint := strings.TrimRight(viper.GetString("url"), "/") + "/api/print"
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(endpoint, "application/json", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
		}
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("request failed with status %d: %v", resp.StatusCode, out["error"])
		}
		cmd.Printf("job %v queued\n", out["id"])
		return nil
	},
}

func init() {
	submitCmd.Flags().String("url", "http://localhost:5001", "spool URL")
	submitCmd.Flags().IntP("priority", "p", 3, "priority 1-5")
	submitCmd.Flags().StringP("language", "l", "", "receipt language (de or en)")
	viper.BindPFlag("url", submitCmd.Flags().Lookup("url"))
	viper.BindPFlag("priority", submitCmd.Flags().Lookup("priority"))
	viper.BindPFlag("language", submitCmd.Flags().Lookup("language"))
}
