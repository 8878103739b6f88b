// Package client contains Cobra CLI commands that drive a running server
// over its HTTP control surface.
package client

import (
	"github.com/spf13/cobra"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// NewRoot constructs a root Cobra command for the client.
// It registers the control and audit command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "xiapi",
		Short: "xiapi client commands",
	}
	root.AddCommand(NewControlCommand(baseURL))
	root.AddCommand(NewAuditCommand(baseURL))
	root.AddCommand(NewEventsCommand(baseURL))
	return root
}
