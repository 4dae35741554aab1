package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the workspace, interpreters and configured backends are usable",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the report as JSON")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, newLogger())
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	status := sc.healthChecker().CheckReady(context.Background())

	if doctorJSON {
		if err := printJSON(status); err != nil {
			return err
		}
	} else {
		names := make([]string, 0, len(status.Checks))
		for name := range status.Checks {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHECK\tSTATUS\tLATENCY\tMESSAGE")
		for _, name := range names {
			c := status.Checks[name]
			fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", name, c.Status, c.LatencyMS, c.Message)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\nworkspace: %s\noverall: %s\n", sc.Workspace.Root, status.Status)
	}

	if !status.OK() {
		return &exitError{code: 1, err: errors.New("one or more checks failed")}
	}
	return nil
}
