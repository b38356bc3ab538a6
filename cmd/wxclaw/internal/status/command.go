package status

import (
	"time"

	"github.com/spf13/cobra"
)

func NewStatusCommand() *cobra.Command {
	var probeTimeout time.Duration

	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"s"},
		Short:   "Show config, gateway reachability and cache state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return statusCmd(cmd.Context(), cmd.OutOrStdout(), probeTimeout)
		},
	}

	cmd.Flags().DurationVar(&probeTimeout, "timeout", 3*time.Second, "How long to wait for the gateway")

	return cmd
}
