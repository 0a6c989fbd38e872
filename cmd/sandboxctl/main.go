// Command sandboxctl submits and inspects image generation tasks and
// starts or stops worker instances by hand.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/seantiz/sandbox/internal/dispatch"
)

// dial opens a dispatch client. Tests replace it with an in-memory dialer.
var dial = func(endpoint, token string) (*dispatch.Client, error) {
	return dispatch.Dial(endpoint, token)
}

type globalFlags struct {
	endpoint   string
	token      string
	configPath string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "sandboxctl",
		Short:         "Control the sandbox task dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	endpoint := os.Getenv("SANDBOX_WORKER_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&g.endpoint, "endpoint", endpoint, "dispatch server address")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("SANDBOX_WORKER_TOKEN"), "worker token, needed only for worker calls")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file for instance commands")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "per-call timeout")

	root.AddCommand(
		newGenerateCmd(g),
		newCreateCmd(g),
		newGetCmd(g),
		newListCmd(g),
		newWaitCmd(g),
		newInstanceCmd(g),
	)
	return root
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxctl: %v\n", err)
		os.Exit(1)
	}
}
