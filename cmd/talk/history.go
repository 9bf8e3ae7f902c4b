package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print the stored transcript of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.client()
			if err != nil {
				return err
			}
			msgs, err := client.Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(out, infoStyle.Render("no messages"))
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintf(out, "%s %s %s\n", infoStyle.Render(m.CreatedAt.Local().Format("15:04:05")), speaker(m.Role), m.Content)
			}
			return nil
		},
	}
}
