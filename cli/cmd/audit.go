package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/citadel/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and manage the audit trail",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events",
	Long:  "List audit events for the configured user, newest last, with optional filters.",
	RunE:  queryAudit,
}

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge old audit events",
	Long:  "Remove audit events older than the retention window. Critical events are always preserved. Requires view authorization.",
	RunE:  purgeAudit,
}

var (
	auditAction  string
	auditResult  string
	auditSince   string
	auditMinRisk int
	auditLimit   int
	auditOlder   time.Duration
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditPurgeCmd)

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (e.g. secret.reveal)")
	auditQueryCmd.Flags().StringVar(&auditResult, "result", "", "filter by result (SUCCESS, FAILURE, DENIED)")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "events at or after this RFC3339 time")
	auditQueryCmd.Flags().IntVar(&auditMinRisk, "min-risk", 0, "minimum risk score (0-100)")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of events")
	auditQueryCmd.Flags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	auditPurgeCmd.Flags().DurationVar(&auditOlder, "older-than", 90*24*time.Hour, "purge events older than this duration")
}

func queryAudit(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		Action:  audit.Action(auditAction),
		Result:  audit.Result(auditResult),
		MinRisk: auditMinRisk,
		Limit:   auditLimit,
	}
	if auditSince != "" {
		since, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		options.Since = &since
	}

	return withSession(func(sessionID string) error {
		result, err := vaultSvc.QueryAudit(sessionID, options)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(result)
		}
		printAuditTable(result)
		return nil
	})
}

func purgeAudit(cmd *cobra.Command, args []string) error {
	cutoff := time.Now().Add(-auditOlder)
	return withView(func(sessionID string) error {
		removed, err := vaultSvc.PurgeAuditBefore(sessionID, cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d audit event(s) older than %s\n", removed, formatTime(cutoff))
		return nil
	})
}

func printAuditTable(result audit.QueryResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tRESULT\tRISK\tDETAIL")
	for _, event := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			formatTime(event.Timestamp),
			event.Action,
			event.Result,
			event.RiskScore,
			formatDetail(event.Detail))
	}
	w.Flush()
	fmt.Printf("\n%d event(s)", len(result.Events))
	if result.HasMore {
		fmt.Printf(" (more available, raise --limit)")
	}
	fmt.Println()
}

func formatDetail(detail map[string]interface{}) string {
	if len(detail) == 0 {
		return ""
	}
	out := ""
	for k, v := range detail {
		if out != "" {
			out += " "
		}
		out += fmt.Sprintf("%s=%v", k, v)
	}
	return out
}
