package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or invalidate the cache tier",
	}
	cmd.AddCommand(newCacheStatsCommand())
	cmd.AddCommand(newCacheInvalidateTenantCommand())
	return cmd
}

func newCacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show key counts per cache-tier category",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]int
			if err := opsRequest("GET", "/ops/cache/stats", nil, &stats); err != nil {
				return err
			}

			if outputJSON {
				outputJSONValue(stats)
				return nil
			}

			names := make([]string, 0, len(stats))
			for name := range stats {
				names = append(names, name)
			}
			sort.Strings(names)

			rows := make([][]string, 0, len(names))
			for _, name := range names {
				rows = append(rows, []string{name, fmt.Sprintf("%d", stats[name])})
			}
			outputTable([]string{"CATEGORY", "KEYS"}, rows)
			return nil
		},
	}
}

func newCacheInvalidateTenantCommand() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "invalidate-tenant",
		Short: "Delete every cache-tier key for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("--tenant-id is required")
			}
			var result struct {
				KeysDeleted int `json:"keys_deleted"`
			}
			body := map[string]string{"tenant_id": tenantID}
			if err := opsRequest("POST", "/ops/cache/invalidate-tenant", body, &result); err != nil {
				return err
			}

			if outputJSON {
				outputJSONValue(result)
				return nil
			}
			fmt.Printf("deleted %d keys for tenant %s\n", result.KeysDeleted, tenantID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "tenant UUID to invalidate")
	return cmd
}
