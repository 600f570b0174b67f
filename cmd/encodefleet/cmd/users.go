package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/encodefleet/encodefleet/pkg/models"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage owner preferences",
}

var usersSetModeCmd = &cobra.Command{
	Use:   "set-mode <owner> <self|community|auto>",
	Short: "Set an owner's default encoding mode",
	Long:  `Jobs submitted without an explicit mode use the owner's stored preference.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runUsersSetMode,
}

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersSetModeCmd)
}

func runUsersSetMode(cmd *cobra.Command, args []string) error {
	mode := models.EncodingMode(args[1])
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q: must be self, community or auto", args[1])
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := newClient().SetPreference(ctx, args[0], mode); err != nil {
		return fmt.Errorf("failed to set preference: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(map[string]string{"owner": args[0], "encoding_mode": string(mode)})
	}
	fmt.Printf("Default encoding mode for %s set to %s\n", args[0], mode)
	return nil
}
