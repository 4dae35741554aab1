package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/toolrun/internal/tools"
)

var listCapability string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVarP(&listCapability, "capability", "c", "", "only show tools declaring this capability")
}

func runList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, newLogger())
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	var list []tools.Tool
	if listCapability != "" {
		list = sc.Registry.FindByCapability(listCapability)
	} else {
		list = sc.Registry.All()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCAPABILITIES\tALTERNATIVES\tDESCRIPTION")
	for _, t := range list {
		spec := t.Spec()
		alts := tools.AlternativeNames(t)
		altCol := "-"
		if len(alts) > 0 {
			altCol = strings.Join(alts, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			spec.Name,
			strings.Join(spec.Capabilities.Sorted(), ","),
			altCol,
			spec.Description,
		)
	}
	return w.Flush()
}
