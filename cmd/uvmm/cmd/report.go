package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sarchlab/uvmm/datarecording"
	"github.com/sarchlab/uvmm/tracing"
)

var reportCmd = &cobra.Command{
	Use:   "report <trace.sqlite3>",
	Short: "Summarize a trace database written by `uvmm run --trace`",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := datarecording.NewReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		s, err := tracing.Summarize(cmd.Context(), reader)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

		for _, kind := range []string{"fake", "new", "hard", "soft"} {
			fmt.Fprintf(w, "%s faults\t%d\n", kind, s.Faults[kind])
		}

		fmt.Fprintf(w, "trims\t%d\n", s.Trims)
		fmt.Fprintf(w, "reclaims\t%d\n", s.Reclaims)
		fmt.Fprintf(w, "write batches\t%d\n", s.Batches)
		fmt.Fprintf(w, "pages written\t%d\n", s.PagesWritten)
		fmt.Fprintf(w, "writes discarded\t%d\n", s.Discarded)

		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}
