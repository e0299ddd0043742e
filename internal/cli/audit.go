package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/system/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the gateway operation audit trail",
}

func openAuditStore() (*audit.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return audit.NewStore(audit.Config{
		Dir:        cfg.Audit.Dir,
		MaxAgeDays: cfg.Audit.MaxAgeDays,
		MaxRecords: cfg.Audit.MaxRecords,
	})
}

var (
	auditListLimit  int
	auditListAction string
	auditListNode   string
	auditListStatus string
	auditListSearch string
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openAuditStore()
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer store.Close()

		entries, total, err := store.Query(audit.QueryParams{
			Action: auditListAction,
			NodeID: auditListNode,
			Status: auditListStatus,
			Search: auditListSearch,
			Limit:  auditListLimit,
		})
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries.")
			return nil
		}

		fmt.Printf("%s  (%d shown, %d total)\n\n", styleHeader.Render("Audit trail"), len(entries), total)
		for _, e := range entries {
			status := e.Status
			if status == "error" {
				status = styleOffline.Render("error")
			} else {
				status = styleConnected.Render(status)
			}
			fmt.Printf("#%-6d %s  %-8s %-20s %s\n", e.ID, e.CreatedAt, e.Action, e.Method, status)
			if e.NodeID != "" {
				fmt.Printf("        node: %s", e.NodeID)
				if e.DurationMs > 0 {
					fmt.Printf("  (%dms)", e.DurationMs)
				}
				fmt.Println()
			}
			if e.ErrorMessage != "" {
				fmt.Printf("        error: %s\n", e.ErrorMessage)
			}
		}
		return nil
	},
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show audit trail statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openAuditStore()
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer store.Close()

		st, err := store.GetStats()
		if err != nil {
			return err
		}

		fmt.Println(styleHeader.Render("Audit trail statistics"))
		fmt.Printf("  Entries:       %d\n", st.TotalEntries)
		if st.TotalEntries > 0 {
			fmt.Printf("  Range:         %s .. %s\n", st.EarliestEntry, st.LatestEntry)
			fmt.Printf("  Avg duration:  %.0fms\n", st.AvgDurationMs)
		}
		printGroup("By action", st.ByAction)
		printGroup("By status", st.ByStatus)
		fmt.Printf("  Database:      %s\n", store.DBPath())
		return nil
	},
}

func printGroup(label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("  %s:\n", label)
	for _, k := range keys {
		fmt.Printf("    %-12s %d\n", k, counts[k])
	}
}

var auditShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one audit entry in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}

		store, err := openAuditStore()
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer store.Close()

		entry, err := store.Get(id)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("no audit entry with id %d", id)
		}

		data, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var auditCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Apply the retention policy now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openAuditStore()
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer store.Close()

		deleted, err := store.Cleanup(cfg.Audit.MaxAgeDays, cfg.Audit.MaxRecords)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d audit entries.\n", deleted)
		return nil
	},
}

func init() {
	auditListCmd.Flags().IntVarP(&auditListLimit, "limit", "n", 50, "maximum entries to show")
	auditListCmd.Flags().StringVar(&auditListAction, "action", "", "filter by action (pair, invoke, node, system)")
	auditListCmd.Flags().StringVar(&auditListNode, "node", "", "filter by node id")
	auditListCmd.Flags().StringVar(&auditListStatus, "status", "", "filter by status (success, error)")
	auditListCmd.Flags().StringVar(&auditListSearch, "search", "", "full-text search")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditCmd.AddCommand(auditStatsCmd)
	auditCmd.AddCommand(auditCleanCmd)
}
