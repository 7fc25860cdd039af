package main

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// writeBucketReport prints one line per bucket. refs adds the policy ID and
// version created for each bucket; pass nil for a dry run.
func writeBucketReport(w io.Writer, plans []BucketPlan, refs []PolicyRef) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if refs != nil {
		fmt.Fprintf(tw, "BUCKET\tPOLICY\tRULES\tFINGERPRINT\tPOLICY ID\tVERSION\n")
		fmt.Fprintf(tw, "------\t------\t-----\t-----------\t---------\t-------\n")
	} else {
		fmt.Fprintf(tw, "BUCKET\tPOLICY\tRULES\tFINGERPRINT\n")
		fmt.Fprintf(tw, "------\t------\t-----\t-----------\n")
	}
	total := 0
	for i, p := range plans {
		total += len(p.Rules)
		if refs != nil && i < len(refs) {
			fmt.Fprintf(tw, "%03d\t%s\t%d\t%s\t%d\t%d\n", p.Index, p.PolicyName, len(p.Rules), p.Fingerprint, refs[i].PolicyID, refs[i].Version)
			continue
		}
		fmt.Fprintf(tw, "%03d\t%s\t%d\t%s\n", p.Index, p.PolicyName, len(p.Rules), p.Fingerprint)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d rule(s) in %d bucket(s)\n", total, len(plans))
}

// writeRowSummary prints how the input rows were handled.
func writeRowSummary(w io.Writer, rows ParsedRows) {
	fmt.Fprintf(w, "%d row(s): %d accepted, %d identical, %d skipped\n",
		rows.Total, len(rows.Rules), rows.Identical, len(rows.Diagnostics))
}
