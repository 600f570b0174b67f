package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/encodefleet/encodefleet/pkg/agent"
	"github.com/encodefleet/encodefleet/pkg/logging"
	"github.com/encodefleet/encodefleet/pkg/models"
)

var (
	agentID           string
	agentType         string
	agentToken        string
	agentConcurrency  int
	agentPollInterval time.Duration
	agentDrainTimeout time.Duration
	agentLogLevel     string
)

var agentCmd = &cobra.Command{
	Use:   "agent -- <encoder-command> [args...]",
	Short: "Run an encoder that claims jobs and executes a command for each",
	Long: `Run an encoder agent. For every claimed job the given command runs with
ENCODEFLEET_JOB_ID, ENCODEFLEET_INPUT_CID and related variables set. It reports
on stdout:

  progress <stage> <percent>
  result <output_cid> [manifest_cid] [quality,quality,...]

Exit status 65 fails the job permanently; any other failure is retried.
The lease is renewed while the command runs.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)

	agentCmd.Flags().StringVar(&agentID, "id", "", "encoder ID (default: hostname)")
	agentCmd.Flags().StringVar(&agentType, "type", string(models.EncoderTypeCommunity), "encoder type: desktop, browser or community")
	agentCmd.Flags().StringVar(&agentToken, "token", os.Getenv("ENCODEFLEET_ENCODER_TOKEN"), "encoder token from \"encoders register\"")
	agentCmd.Flags().IntVar(&agentConcurrency, "concurrency", 1, "jobs encoded at once")
	agentCmd.Flags().DurationVar(&agentPollInterval, "poll-interval", agent.DefaultPollInterval, "time between claims when idle")
	agentCmd.Flags().DurationVar(&agentDrainTimeout, "drain-timeout", agent.DefaultDrainTimeout, "how long shutdown waits for active jobs")
	agentCmd.Flags().StringVar(&agentLogLevel, "log-level", "info", "debug, info, warn or error")
}

func runAgent(cmd *cobra.Command, args []string) error {
	if agentID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("--id is required: %w", err)
		}
		agentID = host
	}

	logger := logging.NewLogger(logging.ParseLevel(agentLogLevel), false)

	runner := agent.New(agent.Config{
		Encoder:      newClient().Encoder(agentID, models.EncoderType(agentType), agentToken),
		Concurrency:  agentConcurrency,
		PollInterval: agentPollInterval,
		DrainTimeout: agentDrainTimeout,
		Logger:       logger,
		Handler: &agent.ExecHandler{
			Command: args[0],
			Args:    args[1:],
			Logger:  logger,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runner.Run(ctx)
}
