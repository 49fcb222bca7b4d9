package client

import (
	"github.com/spf13/cobra"
)

// NewTriggerCommand constructs the `trigger` command.
func NewTriggerCommand(baseURL BaseURLFunc) *cobra.Command {
	triggerCmd := &cobra.Command{
		Use:   "trigger PIPELINE STAGE",
		Short: "Run one cycle of a stage runner on the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			async, _ := cmd.Flags().GetBool("async")
			res, err := getTransport(baseURL).Trigger(cmd.Context(), args[0], args[1], async)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	triggerCmd.Flags().Bool("async", false, "Return immediately and let the cycle run detached")
	return triggerCmd
}
