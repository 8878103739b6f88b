package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/ZYQFXY/xiapi/internal/cmd/client"
	serverrun "github.com/ZYQFXY/xiapi/internal/cmd/server"
	cfgpkg "github.com/ZYQFXY/xiapi/internal/config"
	pebblestore "github.com/ZYQFXY/xiapi/internal/storage/pebble"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "xiapi",
		Short: "xiapi pipeline CLI",
		Long:  "xiapi is a single-binary task pipeline. This CLI manages the server and queries a running instance.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the xiapi server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "always":
				mode = pebblestore.FsyncModeAlways
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfgpkg.FromEnv(&cfg)
			if httpAddr != "" {
				cfg.Server.HTTPAddr = httpAddr
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir: dataDir,
				Fsync:   mode,
				Config:  cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("config", os.Getenv("XIAPI_CONFIG"), "Path to JSON config file")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	serverStartCmd.Flags().String("fsync", "always", "Audit store fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// client commands against a running server
	rootCmd.AddCommand(clientcmd.NewControlCommand(apiURL))
	rootCmd.AddCommand(clientcmd.NewAuditCommand(apiURL))
	rootCmd.AddCommand(clientcmd.NewEventsCommand(apiURL))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func apiURL() string {
	if v := os.Getenv("XIAPI_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
