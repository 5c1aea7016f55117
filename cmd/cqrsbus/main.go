package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cqrsbus "github.com/glimte/cqrsbus-go"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags override values loaded from the environment
type globalFlags struct {
	transport string
	url       string
	redisAddr string
	project   string
	env       string
	logLevel  string
	logFormat string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "cqrsbus",
		Short: "Run and exercise cqrsbus command buses",
		Long: `cqrsbus runs command bus instances and sends commands to them.
Configuration is read from CQRSBUS_* environment variables; flags override it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.transport, "transport", "t", "", "Transport: rabbitmq, redis or memory")
	pf.StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL")
	pf.StringVar(&flags.redisAddr, "redis-addr", "", "Redis address")
	pf.StringVar(&flags.project, "project", "", "Project name")
	pf.StringVar(&flags.env, "env", "", "Environment name")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format: text or json")

	rootCmd.AddCommand(
		serveCommand(&flags),
		publishCommand(&flags),
		callCommand(&flags),
		topologyCommand(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the flags that were set
func loadConfig(cmd *cobra.Command, flags *globalFlags) (cqrsbus.Config, error) {
	cfg, err := cqrsbus.LoadConfig()
	if err != nil {
		return cfg, err
	}

	overrides := map[string]struct {
		target *string
		value  string
	}{
		"transport":  {&cfg.Transport, flags.transport},
		"url":        {&cfg.BrokerURL, flags.url},
		"redis-addr": {&cfg.RedisAddr, flags.redisAddr},
		"project":    {&cfg.Project, flags.project},
		"env":        {&cfg.Env, flags.env},
		"log-level":  {&cfg.LogLevel, flags.logLevel},
		"log-format": {&cfg.LogFormat, flags.logFormat},
	}
	for name, o := range overrides {
		if cmd.Flags().Changed(name) {
			*o.target = o.value
		}
	}

	return cfg, cfg.Validate()
}

// startClient builds a client and waits until its buses are ready
func startClient(ctx context.Context, cfg cqrsbus.Config, options ...cqrsbus.ClientOption) (*cqrsbus.Client, error) {
	client, err := cqrsbus.NewClient(cfg, options...)
	if err != nil {
		return nil, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.WaitReady(readyCtx); err != nil {
		closeClient(client)
		return nil, fmt.Errorf("failed to start: %w", err)
	}
	return client, nil
}

func closeClient(client *cqrsbus.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: shutdown:", err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
