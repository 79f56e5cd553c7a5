package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/molr/molr/pkg/config"
	"github.com/molr/molr/pkg/tree"
)

type treeBlock struct {
	tree.Block
	Parent    tree.BlockID `json:"parent,omitempty"`
	HasScript bool         `json:"has_script"`
}

func newTreeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <manifest>",
		Short: "Show the block tree of a mission",
		Example: `  molr tree falcon.yaml
  molr tree falcon.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mission, err := config.LoadManifest(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !jsonOutput {
				fmt.Fprintf(out, "%s\n%s", mission.Name, mission.Tree.Render())
				return nil
			}

			structure := mission.Tree.Structure()
			blocks := structure.AllBlocks()
			view := make([]treeBlock, 0, len(blocks))
			for _, b := range blocks {
				tb := treeBlock{Block: b}
				if parent, ok := structure.ParentOf(b); ok {
					tb.Parent = parent.ID
				}
				_, tb.HasScript = mission.Scripts[b.ID]
				view = append(view, tb)
			}

			return writeJSON(out, view)
		},
	}
}
