package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/encodefleet/encodefleet/pkg/models"
)

var (
	// Job submit flags
	submitOwner       string
	submitPermlink    string
	submitInputCID    string
	submitInputSize   int64
	submitShort       string
	submitMode        string
	submitPriority    int
	submitWebhook     string
	submitMaxAttempts int

	// Job list flags
	listOwner  string
	listStatus string
	listLimit  int

	// Job cancel flags
	cancelOwner  string
	cancelReason string
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage encoding jobs",
	Long:  `Commands for submitting, inspecting, and cancelling encoding jobs.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new job",
	Long: `Submit a video for encoding. The encoding mode defaults to the owner's
stored preference, then to auto. Inputs under the short threshold are
marked short unless --short is given explicitly.`,
	RunE: runJobsSubmit,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Get job status",
	Long:  `Show one job by ID. Without an ID, lists jobs filtered by --owner and --status.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long:  `Cancel a job that has not finished. Only the job's owner may cancel it.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsEventsCmd = &cobra.Command{
	Use:   "events <job-id>",
	Short: "Show a job's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsEvents,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsEventsCmd)

	jobsSubmitCmd.Flags().StringVar(&submitOwner, "owner", "", "account that owns the video (required)")
	jobsSubmitCmd.Flags().StringVar(&submitPermlink, "permlink", "", "video permlink (required)")
	jobsSubmitCmd.Flags().StringVar(&submitInputCID, "input-cid", "", "content identifier of the source video (required)")
	jobsSubmitCmd.Flags().Int64Var(&submitInputSize, "size", 0, "source size in bytes")
	jobsSubmitCmd.Flags().StringVar(&submitShort, "short", "", "force the short flag: true or false")
	jobsSubmitCmd.Flags().StringVar(&submitMode, "mode", "", "encoding mode: self, community or auto")
	jobsSubmitCmd.Flags().IntVar(&submitPriority, "priority", 0, "higher is claimed first")
	jobsSubmitCmd.Flags().StringVar(&submitWebhook, "webhook", "", "URL notified of lifecycle events")
	jobsSubmitCmd.Flags().IntVar(&submitMaxAttempts, "max-attempts", 0, "attempts before the job fails (default from server)")
	jobsSubmitCmd.MarkFlagRequired("owner")
	jobsSubmitCmd.MarkFlagRequired("permlink")
	jobsSubmitCmd.MarkFlagRequired("input-cid")

	jobsStatusCmd.Flags().StringVar(&listOwner, "owner", "", "only jobs of this owner")
	jobsStatusCmd.Flags().StringVar(&listStatus, "status", "", "only jobs in this status")
	jobsStatusCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum jobs listed")

	jobsCancelCmd.Flags().StringVar(&cancelOwner, "owner", "", "owner requesting the cancellation (required)")
	jobsCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded on the job")
	jobsCancelCmd.MarkFlagRequired("owner")
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	req := models.SubmitRequest{
		Owner:       submitOwner,
		Permlink:    submitPermlink,
		InputCID:    submitInputCID,
		InputSize:   submitInputSize,
		Mode:        models.EncodingMode(submitMode),
		WebhookURL:  submitWebhook,
		MaxAttempts: submitMaxAttempts,
	}
	if cmd.Flags().Changed("priority") {
		req.Priority = &submitPriority
	}
	switch strings.ToLower(submitShort) {
	case "":
	case "true", "yes":
		short := true
		req.IsShort = &short
	case "false", "no":
		short := false
		req.IsShort = &short
	default:
		return fmt.Errorf("--short must be true or false, got %q", submitShort)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	result, err := newClient().Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	fmt.Println("Job submitted successfully!")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", result.JobID)
	table.Append("Status", string(result.Status))
	table.Append("Mode", string(result.EncodingMode))
	table.Append("Short", fmt.Sprintf("%t", result.IsShort))
	table.Append("Queue Position", fmt.Sprintf("%d", result.QueuePosition))
	table.Append("Estimated Wait", result.EstimatedWait.Round(time.Second).String())
	table.Render()
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if len(args) == 0 {
		return listJobs(ctx)
	}

	job, err := newClient().GetJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	displayJob(job)
	return nil
}

func listJobs(ctx context.Context) error {
	jobs, err := newClient().ListJobs(ctx, listOwner, models.JobStatus(listStatus), listLimit)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(jobs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Owner", "Permlink", "Status", "Progress", "Mode", "Encoder", "Attempts", "Created")
	for _, job := range jobs {
		table.Append(
			job.ID,
			job.Owner,
			job.Permlink,
			string(job.Status),
			fmt.Sprintf("%d%%", job.Progress),
			string(job.EncodingMode),
			orDash(job.AssignedEncoderID),
			fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts),
			formatTime(&job.CreatedAt),
		)
	}
	table.Render()
	fmt.Printf("\nTotal jobs: %d\n", len(jobs))
	return nil
}

func displayJob(job *models.Job) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Job ID", job.ID)
	table.Append("Owner", job.Owner)
	table.Append("Permlink", job.Permlink)
	table.Append("Input CID", job.InputCID)
	table.Append("Status", string(job.Status))
	table.Append("Progress", fmt.Sprintf("%d%%", job.Progress))
	if job.CurrentStage != "" {
		table.Append("Stage", fmt.Sprintf("%s (%d%%)", job.CurrentStage, job.StageProgress))
	}
	table.Append("Mode", string(job.EncodingMode))
	table.Append("Short", fmt.Sprintf("%t", job.IsShort))
	table.Append("Priority", fmt.Sprintf("%d", job.Priority))
	table.Append("Encoder", orDash(job.AssignedEncoderID))
	table.Append("Lease Expires", formatTime(job.LeaseExpiresAt))
	table.Append("Attempts", fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts))
	table.Append("Next Retry", formatTime(job.NextRetryAt))
	table.Append("Last Error", orDash(job.LastError))
	if job.OutputCID != "" {
		table.Append("Output CID", job.OutputCID)
		table.Append("Manifest CID", orDash(job.ManifestCID))
		table.Append("Qualities", strings.Join(job.Qualities, ", "))
	}
	table.Append("Created", formatTime(&job.CreatedAt))
	table.Append("Started", formatTime(job.StartedAt))
	table.Append("Completed", formatTime(job.CompletedAt))
	table.Render()
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	job, err := newClient().Cancel(ctx, args[0], cancelOwner, cancelReason)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	fmt.Printf("Job %s cancelled\n", job.ID)
	return nil
}

func runJobsEvents(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	events, err := newClient().ListEvents(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get events: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(events)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Type", "From", "To", "Encoder", "Details")
	for _, ev := range events {
		table.Append(
			formatTime(&ev.CreatedAt),
			string(ev.Type),
			orDash(string(ev.FromStatus)),
			orDash(string(ev.ToStatus)),
			orDash(ev.EncoderID),
			formatDetails(ev.Details),
		)
	}
	table.Render()
	return nil
}

func formatDetails(details map[string]interface{}) string {
	if len(details) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(details))
	for k, v := range details {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
