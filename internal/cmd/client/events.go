package client

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// NewEventsCommand constructs the `events` command: a live tail of the
// server's SSE stream.
func NewEventsCommand(baseURL BaseURLFunc) *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Tail per-attempt pipeline events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, _ := cmd.Flags().GetString("filter")
			limit, _ := cmd.Flags().GetInt("limit")

			u := baseURL() + "/v1/events"
			if filter != "" {
				q := url.Values{}
				q.Set("filter", filter)
				u += "?" + q.Encode()
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("subscribe failed: %s", resp.Status)
			}

			out := cmd.OutOrStdout()
			scanner := bufio.NewScanner(resp.Body)
			seen := 0
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data: ") {
					continue
				}
				fmt.Fprintln(out, strings.TrimPrefix(line, "data: "))
				seen++
				if limit > 0 && seen >= limit {
					return nil
				}
			}
			return scanner.Err()
		},
	}
	eventsCmd.Flags().String("filter", "", "CEL filter (server-side), e.g. 'stage == \"callback\" && !ok'")
	eventsCmd.Flags().Int("limit", 0, "Stop after N events (0 = infinite)")
	return eventsCmd
}
