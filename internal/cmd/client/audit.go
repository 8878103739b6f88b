package client

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewAuditCommand constructs the `audit` command group and subcommands.
func NewAuditCommand(baseURL BaseURLFunc) *cobra.Command {
	auditCmd := &cobra.Command{Use: "audit", Short: "Audit trail lookups"}
	auditCmd.AddCommand(
		newAuditTraceCommand(baseURL),
		newAuditItemCommand(baseURL),
	)
	return auditCmd
}

func newAuditTraceCommand(baseURL BaseURLFunc) *cobra.Command {
	traceCmd := &cobra.Command{
		Use:   "trace <trace-id>",
		Short: "Find delivered tasks by trace id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{}
			q.Set("trace_id", args[0])
			q.Set("limit", strconv.Itoa(limit))
			return getJSON(baseURL(), "/v1/audit/trace", q, cmd.OutOrStdout())
		},
	}
	traceCmd.Flags().Int("limit", 100, "Maximum records to return")
	return traceCmd
}

func newAuditItemCommand(baseURL BaseURLFunc) *cobra.Command {
	itemCmd := &cobra.Command{
		Use:   "item",
		Short: "Find delivered tasks by shop and item key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			shop, _ := cmd.Flags().GetString("shop")
			item, _ := cmd.Flags().GetString("item")
			if shop == "" || item == "" {
				return fmt.Errorf("--shop and --item are required")
			}
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{}
			q.Set("shop_key", shop)
			q.Set("item_key", item)
			q.Set("limit", strconv.Itoa(limit))
			return getJSON(baseURL(), "/v1/audit/item", q, cmd.OutOrStdout())
		},
	}
	itemCmd.Flags().String("shop", "", "Shop key")
	itemCmd.Flags().String("item", "", "Item key")
	itemCmd.Flags().Int("limit", 100, "Maximum records to return")
	return itemCmd
}
