package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/encodefleet/encodefleet/internal/config"
	"github.com/encodefleet/encodefleet/pkg/client"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "encodefleet",
	Short: "Job leasing scheduler for distributed video encoding",
	Long: `encodefleet runs the encoding job scheduler and talks to a running one.

Owners submit jobs, encoders claim them under time-bounded leases, and the
scheduler drives every job to completed, failed or cancelled.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.encodefleet/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "scheduler API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key sent as a bearer token")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig resolves the client settings. The server reads its own
// configuration in serve.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if path, err := config.DefaultPath(); err == nil {
		viper.SetConfigFile(path)
	}

	viper.BindEnv("cli.server_url", config.EnvPrefix+"_SERVER_URL")
	viper.BindEnv("cli.api_key", config.EnvPrefix+"_API_KEY")

	// A missing file is fine; flags and env still apply
	_ = viper.ReadInConfig()

	if serverURL == "" {
		serverURL = viper.GetString("cli.server_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("cli.api_key")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func newClient() *client.Client {
	return client.New(GetServerURL(), client.WithAPIKey(apiKey))
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
