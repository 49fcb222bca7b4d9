package client

import (
	"fmt"

	transports "github.com/rzbill/stageflow/internal/cmd/client/transports"
	"github.com/spf13/cobra"
)

// NewJobCommand constructs the `job` command group and subcommands.
func NewJobCommand(baseURL BaseURLFunc) *cobra.Command {
	jobCmd := &cobra.Command{Use: "job", Short: "Job operations"}
	jobCmd.AddCommand(
		newJobSubmitCommand(baseURL),
		newJobStatusCommand(baseURL),
		newJobArtifactCommand(baseURL),
	)
	return jobCmd
}

// newJobSubmitCommand constructs the `job submit` subcommand.
func newJobSubmitCommand(baseURL BaseURLFunc) *cobra.Command {
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a job and enqueue it on its first stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pipeline, _ := cmd.Flags().GetString("pipeline")
			jobID, _ := cmd.Flags().GetString("job-id")
			jobType, _ := cmd.Flags().GetString("type")
			stage, _ := cmd.Flags().GetString("stage")
			data, _ := cmd.Flags().GetString("data")
			priority, _ := cmd.Flags().GetInt32("priority")
			delay, _ := cmd.Flags().GetDuration("delay")

			if pipeline == "" {
				return fmt.Errorf("--pipeline is required")
			}
			payload, err := readPayload(data, cmd.InOrStdin())
			if err != nil {
				return err
			}
			res, err := getTransport(baseURL).Submit(cmd.Context(), transports.SubmitRequest{
				Pipeline:     pipeline,
				JobID:        jobID,
				JobType:      jobType,
				Stage:        stage,
				Payload:      payload,
				Priority:     priority,
				DelaySeconds: delay.Seconds(),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	submitCmd.Flags().StringP("pipeline", "p", "", "Pipeline name")
	submitCmd.Flags().String("job-id", "", "Job id (generated when empty)")
	submitCmd.Flags().String("type", "", "Job type")
	submitCmd.Flags().String("stage", "", "Start stage (default: first stage of the pipeline)")
	submitCmd.Flags().String("data", "", "JSON payload, @file or - for stdin")
	submitCmd.Flags().Int32("priority", 0, "Job priority (higher runs first)")
	submitCmd.Flags().Duration("delay", 0, "Delay before the first stage may run")
	return submitCmd
}

// newJobStatusCommand constructs the `job status` subcommand.
func newJobStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job, its stage records and recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, _ := cmd.Flags().GetInt("events")
			filter, _ := cmd.Flags().GetString("filter")
			res, err := getTransport(baseURL).Status(cmd.Context(), transports.StatusRequest{
				JobID:  args[0],
				Events: events,
				Filter: filter,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	statusCmd.Flags().Int("events", 0, "Number of recent events (0 = server default, -1 = none)")
	statusCmd.Flags().String("filter", "", "CEL filter over events, e.g. event_type == \"failed\"")
	return statusCmd
}

// newJobArtifactCommand constructs the `job artifact` subcommand.
func newJobArtifactCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "artifact JOB_ID STAGE",
		Short: "Write the artifact a stage stored for a job to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, _, err := getTransport(baseURL).Artifact(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
