package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the stage table",
		Long: `List every stage in pipeline order with the stages it depends on, the
outputs it consumes and the outputs it produces.`,
		Args: exactArgs(0, "chemflow stages"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, err := loadRegistry(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
			dim := color.New(color.Faint).SprintFunc()
			for _, st := range reg.Stages() {
				fmt.Fprintf(out, "%s %s  %s\n", cyan(fmt.Sprintf("%2d", st.Index)), st.ID, dim(st.Label))
				if len(st.DependsOn) > 0 {
					fmt.Fprintf(out, "      depends on: %s\n", strings.Join(st.DependsOn, ", "))
				}
				if len(st.Inputs) > 0 {
					fmt.Fprintf(out, "      inputs:     %s\n", strings.Join(st.Inputs, ", "))
				}
				fmt.Fprintf(out, "      outputs:    %s\n", strings.Join(st.OutputKeys, ", "))
			}
			return nil
		},
	}
}
