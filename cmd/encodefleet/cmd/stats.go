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

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics and scheduler health",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	c := newClient()
	stats, err := c.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	// /health answers 503 when the store is unreachable
	health, healthErr := c.Health(ctx)

	if IsJSONOutput() {
		return printJSON(map[string]interface{}{"queue": stats, "health": health})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Status", "Jobs")
	for _, status := range models.AllJobStatuses {
		table.Append(string(status), fmt.Sprintf("%d", stats.ByStatus[status]))
	}
	table.Render()
	fmt.Printf("\nTotal pending: %d\n", stats.TotalPending)

	if healthErr != nil {
		fmt.Printf("Scheduler: unhealthy (%v)\n", healthErr)
		return nil
	}
	fmt.Printf("Scheduler: %s (store %s, up %s)\n", health.Status, health.Store, health.Uptime)
	if health.Host != nil {
		fmt.Printf("Host: cpu %.1f%%, memory %.1f%%\n", health.Host.CPUPercent, health.Host.MemoryPercent)
	}
	return nil
}
