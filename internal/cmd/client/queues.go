package client

import (
	"errors"
	"fmt"
	"net/http"

	transports "github.com/rzbill/stageflow/internal/cmd/client/transports"
	"github.com/spf13/cobra"
)

// NewEnqueueCommand constructs the `enqueue` command.
func NewEnqueueCommand(baseURL BaseURLFunc) *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue QUEUE",
		Short: "Place a raw message for a job on a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, _ := cmd.Flags().GetString("job-id")
			stage, _ := cmd.Flags().GetString("stage")
			pipeline, _ := cmd.Flags().GetString("pipeline")
			data, _ := cmd.Flags().GetString("data")
			priority, _ := cmd.Flags().GetInt32("priority")
			delay, _ := cmd.Flags().GetDuration("delay")

			payload, err := readPayload(data, cmd.InOrStdin())
			if err != nil {
				return err
			}
			res, err := getTransport(baseURL).Enqueue(cmd.Context(), transports.EnqueueRequest{
				Queue:        args[0],
				JobID:        jobID,
				Stage:        stage,
				Pipeline:     pipeline,
				Payload:      payload,
				Priority:     priority,
				DelaySeconds: delay.Seconds(),
			})
			var he *transports.HTTPError
			if errors.As(err, &he) && he.Status == http.StatusConflict {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "status: already queued")
				return printJSON(cmd.OutOrStdout(), res)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	enqueueCmd.Flags().String("job-id", "", "Job id")
	enqueueCmd.Flags().String("stage", "", "Stage the message is for")
	enqueueCmd.Flags().StringP("pipeline", "p", "", "Pipeline (default: the pipeline owning the queue)")
	enqueueCmd.Flags().String("data", "", "JSON payload, @file or - for stdin")
	enqueueCmd.Flags().Int32("priority", 0, "Message priority")
	enqueueCmd.Flags().Duration("delay", 0, "Delay before the message becomes visible")
	return enqueueCmd
}

// NewBacklogCommand constructs the `backlog` command.
func NewBacklogCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "backlog",
		Short: "Show ready, delayed and leased counts per queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := getTransport(baseURL).Backlog(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

// NewDeadLetterCommand constructs the `dlq` command group.
func NewDeadLetterCommand(baseURL BaseURLFunc) *cobra.Command {
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead-letter operations"}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queue, _ := cmd.Flags().GetString("queue")
			jobID, _ := cmd.Flags().GetString("job-id")
			limit, _ := cmd.Flags().GetInt("limit")
			res, err := getTransport(baseURL).DeadLetters(cmd.Context(), transports.DeadLetterQuery{
				Queue: queue,
				JobID: jobID,
				Limit: limit,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	listCmd.Flags().String("queue", "", "Only entries from this source queue")
	listCmd.Flags().String("job-id", "", "Only entries of this job")
	listCmd.Flags().Int("limit", 100, "Maximum entries")
	dlqCmd.AddCommand(listCmd)
	return dlqCmd
}
