package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/encodefleet/encodefleet/pkg/models"
)

var registerType string

var encodersCmd = &cobra.Command{
	Use:   "encoders",
	Short: "Manage encoders",
	Long:  `Commands for registering encoders, viewing their reputation, and probing worker health.`,
}

var encodersRegisterCmd = &cobra.Command{
	Use:   "register <encoder-id>",
	Short: "Register an encoder and issue its token",
	Long: `Register an encoder. The printed token must be sent as X-Encoder-Token on
every claim. Registering again rotates the token and keeps the statistics.`,
	Args: cobra.ExactArgs(1),
	RunE: runEncodersRegister,
}

var encodersShowCmd = &cobra.Command{
	Use:   "show <encoder-id>",
	Short: "Show encoder statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runEncodersShow,
}

var encodersHealthCmd = &cobra.Command{
	Use:   "health <worker-url>",
	Short: "Probe a worker's health endpoint through the scheduler",
	Args:  cobra.ExactArgs(1),
	RunE:  runEncodersHealth,
}

func init() {
	rootCmd.AddCommand(encodersCmd)
	encodersCmd.AddCommand(encodersRegisterCmd)
	encodersCmd.AddCommand(encodersShowCmd)
	encodersCmd.AddCommand(encodersHealthCmd)

	encodersRegisterCmd.Flags().StringVar(&registerType, "type", string(models.EncoderTypeCommunity), "encoder type: desktop, browser or community")
}

func runEncodersRegister(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	resp, err := newClient().RegisterEncoder(ctx, args[0], models.EncoderType(registerType))
	if err != nil {
		return fmt.Errorf("failed to register encoder: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(resp)
	}

	displayEncoder(resp.Encoder)
	fmt.Printf("\nToken: %s\n", resp.Token)
	fmt.Println("Store this token now; it cannot be retrieved again.")
	return nil
}

func runEncodersShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	enc, err := newClient().GetEncoder(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get encoder: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(enc)
	}
	displayEncoder(enc)
	return nil
}

func displayEncoder(enc *models.Encoder) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Encoder ID", enc.ID)
	table.Append("Type", string(enc.Type))
	table.Append("Reputation", fmt.Sprintf("%d", enc.ReputationScore))
	table.Append("Completed", fmt.Sprintf("%d", enc.JobsCompleted))
	table.Append("Failed", fmt.Sprintf("%d", enc.JobsFailed))
	table.Append("In Progress", fmt.Sprintf("%d", enc.JobsInProgress))
	table.Append("Success Rate", fmt.Sprintf("%.1f%%", enc.SuccessRate))
	table.Append("Registered", formatTime(&enc.RegisteredAt))
	table.Append("Last Seen", formatTime(&enc.LastSeenAt))
	table.Render()
}

func runEncodersHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	health, err := newClient().CheckWorkerHealth(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to check worker: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(health)
	}

	status := "healthy"
	if !health.Healthy {
		status = "unhealthy"
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Endpoint", "Status", "HTTP", "Latency", "Error")
	table.Append(
		health.Endpoint,
		status,
		fmt.Sprintf("%d", health.StatusCode),
		health.Latency.Round(time.Millisecond).String(),
		orDash(health.Error),
	)
	table.Render()
	return nil
}
