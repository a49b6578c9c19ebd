package command

import "github.com/spf13/cobra"

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "termhub",
		Short: "Terminal routing hub",
	}

	cmd.AddCommand(newServeCmd())

	return cmd
}
