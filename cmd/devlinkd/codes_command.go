package main

import (
	"fmt"

	"github.com/cyberinferno/devlink/envelope"
	"github.com/spf13/cobra"
)

func newCodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "codes",
		Short: "List the command and event codes of the wire protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), renderCodes())
			return err
		},
	}
}

func renderCodes() string {
	codes := envelope.Codes()
	rows := make([][]string, 0, len(codes))
	for _, c := range codes {
		direction := "event"
		if c.IsCommand() {
			direction = "command"
		}
		rows = append(rows, []string{c.String(), fmt.Sprintf("0x%02x", uint32(c)), fmt.Sprintf("%d", uint32(c)), direction})
	}

	return renderTable(
		[]string{"Name", "Hex", "Value", "Direction"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft},
	)
}
