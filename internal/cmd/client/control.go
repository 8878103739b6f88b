package client

import (
	"net/url"

	"github.com/spf13/cobra"
)

// NewControlCommand constructs the `control` command group and subcommands.
func NewControlCommand(baseURL BaseURLFunc) *cobra.Command {
	controlCmd := &cobra.Command{Use: "control", Short: "Pipeline control operations"}

	controlCmd.AddCommand(
		newStatusCommand(baseURL),
		newPauseCommand(baseURL),
		newResumeCommand(baseURL),
		newResumeHardStopCommand(baseURL),
		newPurgeCommand(baseURL),
	)
	return controlCmd
}

func newStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pipeline snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getJSON(baseURL(), "/v1/stats", nil, cmd.OutOrStdout())
		},
	}
}

func newPauseCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Pause pulling new work",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return postAction(baseURL(), "/v1/control/pause", nil, cmd.OutOrStdout())
		},
	}
}

func newResumeCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume pulling new work",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return postAction(baseURL(), "/v1/control/resume", nil, cmd.OutOrStdout())
		},
	}
}

func newResumeHardStopCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "resume-hard-stop",
		Short: "Clear a governor hard stop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return postAction(baseURL(), "/v1/control/resume-hard-stop", nil, cmd.OutOrStdout())
		},
	}
}

func newPurgeCommand(baseURL BaseURLFunc) *cobra.Command {
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop pending tasks older than --max-age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			maxAge, _ := cmd.Flags().GetString("max-age")
			q := url.Values{}
			if maxAge != "" {
				q.Set("max_age", maxAge)
			}
			return postAction(baseURL(), "/v1/control/purge", q, cmd.OutOrStdout())
		},
	}
	purgeCmd.Flags().String("max-age", "", "Staleness ceiling, e.g. 30m (default 1h)")
	return purgeCmd
}
