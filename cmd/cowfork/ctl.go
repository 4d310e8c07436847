package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kahiteam/cowfork/internal/ctl"
)

const defaultSocket = "/var/run/cowfork.sock"

var (
	ctlSocket string
	ctlAddr   string
	ctlUser   string
	ctlPass   string
	ctlJSON   bool
	ctlVerb   bool
	ctlEnv    string
)

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control a running cowfork server",
	Long:  "Send commands to a running cowfork server via its API.",
}

// newCtlClient connects over TCP when --addr is given, otherwise over the
// Unix socket from --socket, the config file, or the default path.
func newCtlClient() *ctl.Client {
	if ctlAddr != "" {
		return ctl.NewTCPClient(ctlAddr, ctlUser, ctlPass)
	}
	sock := ctlSocket
	if sock == "" {
		sock = defaultSocket
		if cfg, _, err := loadConfig(configPath); err == nil {
			sock = cfg.Server.Unix.File
		}
	}
	return ctl.NewUnixClient(sock)
}

var ctlListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the scenarios the server can run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().List(ctlJSON, cmd.OutOrStdout())
	},
}

var ctlRunCmd = &cobra.Command{
	Use:   "run <scenario...>",
	Short: "Run scenarios on the server and print their reports",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().Run(args, ctlJSON, ctlVerb, cmd.OutOrStdout())
	},
}

var ctlReportsCmd = &cobra.Command{
	Use:   "reports [scenario]",
	Short: "Show the reports the server has kept",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		return newCtlClient().Reports(name, ctlEnv, ctlJSON, ctlVerb, cmd.OutOrStdout())
	},
}

var ctlVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show remote server version",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := newCtlClient().Version()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(result))
		for k := range result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, result[k])
		}
		return nil
	},
}

var ctlHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := newCtlClient().Health()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.ToUpper(status))
		if status != "ok" {
			return fmt.Errorf("server is %s", status)
		}
		return nil
	},
}

var logBytes int

var ctlLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Print the tail of the server's log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newCtlClient().Log(logBytes, cmd.OutOrStdout())
	},
}

var ctlEventsCmd = &cobra.Command{
	Use:   "events [type...]",
	Short: "Follow server events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		return newCtlClient().Events(ctx, args, cmd.OutOrStdout())
	},
}

func init() {
	ctlCmd.PersistentFlags().StringVarP(&ctlSocket, "socket", "s", "", "Unix socket path (default: server.unix.file)")
	ctlCmd.PersistentFlags().StringVar(&ctlAddr, "addr", "", "TCP address (host:port)")
	ctlCmd.PersistentFlags().StringVarP(&ctlUser, "username", "u", "", "HTTP Basic Auth username")
	ctlCmd.PersistentFlags().StringVarP(&ctlPass, "password", "p", "", "HTTP Basic Auth password")

	for _, c := range []*cobra.Command{ctlListCmd, ctlRunCmd, ctlReportsCmd} {
		c.Flags().BoolVar(&ctlJSON, "json", false, "Output JSON")
	}
	for _, c := range []*cobra.Command{ctlRunCmd, ctlReportsCmd} {
		c.Flags().BoolVarP(&ctlVerb, "verbose", "v", false, "Print full reports with final mappings")
	}
	ctlReportsCmd.Flags().StringVar(&ctlEnv, "env", "", "Only show this environment (hex id)")
	ctlLogCmd.Flags().IntVar(&logBytes, "bytes", 1600, "Number of bytes to print (0 for all)")

	ctlCmd.AddCommand(
		ctlListCmd, ctlRunCmd, ctlReportsCmd,
		ctlVersionCmd, ctlHealthCmd, ctlLogCmd, ctlEventsCmd,
	)
	rootCmd.AddCommand(ctlCmd)
}
