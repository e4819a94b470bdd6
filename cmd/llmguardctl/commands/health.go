package commands

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func NewHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway and provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient.Get(apiURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			var body struct {
				Status    bool                   `json:"status"`
				Providers map[string]interface{} `json:"providers"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode health response: %w", err)
			}

			if outputJSON {
				outputJSONValue(body)
				return nil
			}

			overall := "unhealthy"
			if body.Status && resp.StatusCode == http.StatusOK {
				overall = "healthy"
			}
			fmt.Printf("gateway: %s\n", overall)
			rows := make([][]string, 0, len(body.Providers))
			for name, status := range body.Providers {
				rows = append(rows, []string{name, fmt.Sprintf("%v", status)})
			}
			outputTable([]string{"PROVIDER", "STATUS"}, rows)
			return nil
		},
	}
}
