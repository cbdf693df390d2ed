package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eniac111/ctxtagent/internal/agent"
	"github.com/eniac111/ctxtagent/internal/config"
	"github.com/eniac111/ctxtagent/internal/log"
	"github.com/eniac111/ctxtagent/internal/ssh"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// errRunFailed makes the process exit 1 without printing anything: the
// details are in the run log and the result file.
var errRunFailed = errors.New("contextualization failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ctxt-agent FLEET_CONF NODE_CONF [0|1]",
	Short: "Contextualize a node of a freshly provisioned fleet",
	Long: `ctxt-agent runs the task plan of one node: it waits for the node to
become reachable, rotates its provisioning credentials, installs and runs
the configuration playbooks, and delegates the rest of the plan to an agent
on the node itself.

The optional third argument is the locality flag: 1 when the agent runs on
the node it contextualizes.`,
	Version:       Version,
	Args:          cobra.RangeArgs(2, 3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ctxt-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Write the run log as JSON")
	rootCmd.Flags().Duration("ssh-timeout", 10*time.Second, "Timeout of a single SSH connection attempt")
	rootCmd.Flags().Duration("ssh-wait", 600*time.Second, "Total time to wait for a node to become reachable")
	rootCmd.Flags().Bool("ssh-agent", false, "Also authenticate with the keys of the local SSH agent")
	rootCmd.Flags().Bool("metrics", false, "Write run metrics in the node_exporter textfile format")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	local := false
	if len(args) == 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid locality flag %q: %w", args[2], err)
		}
		local = n != 0
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	sshTimeout, _ := cmd.Flags().GetDuration("ssh-timeout")
	sshWait, _ := cmd.Flags().GetDuration("ssh-wait")
	useAgent, _ := cmd.Flags().GetBool("ssh-agent")
	withMetrics, _ := cmd.Flags().GetBool("metrics")

	timeouts := config.DefaultTimeouts()
	timeouts.Dial = sshTimeout
	timeouts.SSHWait = sshWait

	rc, err := config.NewRunContext(args[0], args[1], config.Options{
		Local:    local,
		UseAgent: useAgent,
		Timeouts: &timeouts,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !agent.Run(ctx, rc, agent.Options{
		LogLevel: log.Level(logLevel),
		LogJSON:  logJSON,
		Metrics:  withMetrics,
	}) {
		return errRunFailed
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ctxt-agent version %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Built: %s\n", BuildTime)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen PATH",
	Short: "Create the fallback SSH key pair if it does not exist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		created, err := ssh.EnsureKeyFile(args[0])
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("✓ Key pair written to %s and %s.pub\n", args[0], args[0])
		} else {
			fmt.Printf("Key %s already exists\n", args[0])
		}
		return nil
	},
}
