package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the stageflow client.
// It registers the job, queue, worker and health command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "stageflow",
		Short: "Stageflow client commands",
	}
	root.AddCommand(NewCommands(baseURL)...)
	return root
}

// NewCommands returns the client command groups so an embedding binary can
// attach them to its own root.
func NewCommands(baseURL BaseURLFunc) []*cobra.Command {
	return []*cobra.Command{
		NewJobCommand(baseURL),
		NewEnqueueCommand(baseURL),
		NewBacklogCommand(baseURL),
		NewDeadLetterCommand(baseURL),
		NewTriggerCommand(baseURL),
		NewHealthCommand(),
	}
}
