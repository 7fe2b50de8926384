package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hlsget/hlsget/internal/output"
	"github.com/hlsget/hlsget/internal/utils"
)

func newCleanCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "clean [--output OUTPUT_PATH]",
		Short: "Remove leftover temp segment directories",
		Run: func(cmd *cobra.Command, args []string) {
			if err := utils.CleanLocal(target); err != nil {
				output.PrintError("Error cleaning up temporary files")
				os.Exit(1)
			}
			output.PrintSuccess("Temporary files cleaned up")
		},
	}

	cmd.Flags().StringVarP(&target, "output", "o", "", "Output path whose temp directories should be removed (default: current directory)")
	return cmd
}

func init() {
	rootCmd.AddCommand(newCleanCmd())
}
