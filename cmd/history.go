package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/faceverify/internal/store"
)

var (
	historyLimit int
	historyID    string
)

var historyCmd = &cobra.Command{
	Use:         "history",
	Short:       "List past verifications recorded in the database",
	Annotations: map[string]string{annotationNeedsDB: "true"},
	Args:        cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyID != "" {
			r, err := DB.GetVerification(cmd.Context(), historyID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		}

		records, err := DB.ListVerifications(cmd.Context(), historyLimit)
		if err != nil {
			return fmt.Errorf("failed to list verifications: %w", err)
		}
		printHistory(cmd.OutOrStdout(), records)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum rows to show (0 for all)")
	historyCmd.Flags().StringVar(&historyID, "id", "", "Print the full stored report for one verification id")
	rootCmd.AddCommand(historyCmd)
}

func printHistory(out io.Writer, records []store.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No verifications found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tSTATUS\tDISTANCE\tCONFIDENCE\tREFERENCE\tQUERY")
	fmt.Fprintln(w, "--\t----\t------\t--------\t----------\t---------\t-----")

	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%.1f%%\t%s\t%s\n",
			r.ID, r.VerifiedAt.Local().Format("2006-01-02 15:04"), r.Status,
			r.Distance, r.Confidence*100, r.ReferenceImage, r.QueryImage)
	}
	w.Flush()
}
