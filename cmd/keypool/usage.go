package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/alecgard/keypool/internal/usage"
	"github.com/spf13/cobra"
)

var (
	usageTenant     string
	usageCredential string
	usageFrom       string
	usageTo         string
	usageJSON       bool
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Print ledger totals and the per-model cost report for a tenant",
	RunE:  runUsage,
}

func init() {
	f := usageCmd.Flags()
	f.StringVar(&usageTenant, "tenant", "", "tenant id (required)")
	f.StringVar(&usageCredential, "credential", "", "restrict to one credential id")
	f.StringVar(&usageFrom, "from", "", "start, YYYY-MM-DD or RFC3339")
	f.StringVar(&usageTo, "to", "", "end, YYYY-MM-DD or RFC3339")
	f.BoolVar(&usageJSON, "json", false, "print JSON")
	_ = usageCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(usageCmd)
}

// parseTimeParam accepts RFC3339 or a bare date.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

type usageReport struct {
	Summary *usage.Summary   `json:"summary"`
	Models  []usage.CostLine `json:"models"`
	Total   float64          `json:"total_cost"`
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	q := usage.Query{TenantID: usageTenant, CredentialID: usageCredential}
	if q.From, err = parseTimeParam(usageFrom); err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	if q.To, err = parseTimeParam(usageTo); err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer b.close()

	sum, err := b.store.GetSummary(ctx, q)
	if err != nil {
		return err
	}
	rows, err := b.store.UsageByModel(ctx, q)
	if err != nil {
		return err
	}
	lines, total := cfg.Pricing.Report(rows)

	rep := usageReport{Summary: sum, Models: lines, Total: total}
	if usageJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	return printUsage(cmd.OutOrStdout(), usageTenant, rep)
}

func printUsage(out io.Writer, tenant string, rep usageReport) error {
	s := rep.Summary
	fmt.Fprintf(out, "tenant %s\n", tenant)
	fmt.Fprintf(out, "requests %d (ok %d, failed %d)\n", s.TotalRequests, s.SuccessCount, s.FailureCount)
	fmt.Fprintf(out, "tokens   %d (prompt %d, completion %d)\n", s.TotalTokens, s.PromptTokens, s.CompletionTokens)

	if len(s.FailuresByClass) > 0 {
		classes := make([]string, 0, len(s.FailuresByClass))
		for c := range s.FailuresByClass {
			classes = append(classes, c)
		}
		sort.Strings(classes)
		fmt.Fprint(out, "failures")
		for _, c := range classes {
			fmt.Fprintf(out, " %s=%d", c, s.FailuresByClass[c])
		}
		fmt.Fprintln(out)
	}

	if len(rep.Models) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tREQUESTS\tPROMPT\tCOMPLETION\tCOST")
	for _, l := range rep.Models {
		cost := "unpriced"
		if l.Priced {
			cost = fmt.Sprintf("%.4f", l.Cost)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", l.Provider, l.Model, l.Requests, l.PromptTokens, l.CompletionTokens, cost)
	}
	fmt.Fprintf(tw, "\t\t\t\tTOTAL\t%.4f\n", rep.Total)
	return tw.Flush()
}
