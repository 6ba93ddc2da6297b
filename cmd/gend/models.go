package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"gend/internal/registry"
)

func buildModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models discovered in the models directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			models, err := registry.LoadDir(cfg.ModelsDir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tQUANT\tFAMILY\tPATH")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.ID, m.Quant, m.Family, m.Path)
			}
			return tw.Flush()
		},
	}
}
