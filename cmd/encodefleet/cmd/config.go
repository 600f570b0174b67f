package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/encodefleet/encodefleet/internal/config"
	"github.com/encodefleet/encodefleet/pkg/auth"
	"github.com/encodefleet/encodefleet/pkg/logging"
)

var (
	configForce       bool
	configGenerateKey bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and generate scheduler configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective server configuration",
	Long: `Print the configuration serve would run with: defaults, then the config
file, then ENCODEFLEET_* environment variables. Secrets are omitted.`,
	RunE: runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runConfigInit,
}

var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate policy for the server log",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(logging.GenerateServerLogrotate())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configLogrotateCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configInitCmd.Flags().BoolVar(&configGenerateKey, "generate-api-key", false, "add a random API key under auth.api_keys")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(cfg)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("failed to find home directory: %w", err)
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	out, apiKey, err := renderDefaultConfig(configGenerateKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	if apiKey != "" {
		fmt.Printf("API key: %s\n", apiKey)
		fmt.Println("Pass it to clients with --api-key or ENCODEFLEET_API_KEY.")
	}
	return nil
}

// renderDefaultConfig renders the defaults as YAML, optionally with a freshly
// generated API key under auth.api_keys.
func renderDefaultConfig(withKey bool) ([]byte, string, error) {
	// Defaults only; the file must not pick up this shell's environment
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, "", err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if !withKey {
		return out, "", nil
	}

	apiKey, err := auth.NewAPIKeyManager().GenerateAPIKey("config init")
	if err != nil {
		return nil, "", err
	}
	// api_keys is hidden from the struct encoding, so add it on the generic form
	var doc map[string]interface{}
	if err := yaml.Unmarshal(out, &doc); err != nil {
		return nil, "", fmt.Errorf("failed to parse YAML: %w", err)
	}
	doc["auth"] = map[string]interface{}{"api_keys": []string{apiKey}}
	out, err = yaml.Marshal(doc)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return out, apiKey, nil
}
