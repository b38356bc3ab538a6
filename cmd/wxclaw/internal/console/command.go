package console

import (
	"github.com/spf13/cobra"

	"github.com/sipeed/wxclaw/cmd/wxclaw/internal"
)

func NewConsoleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Try routing rules against typed messages",
		Long: `Type a line to see whether it would reach the bot as a private message.
Prefix it with "g:" to send it into a group instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			interactiveMode(NewSimulator(cfg))
			return nil
		},
	}

	return cmd
}
