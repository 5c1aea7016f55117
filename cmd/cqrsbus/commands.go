package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cqrsbus "github.com/glimte/cqrsbus-go"
	"github.com/glimte/cqrsbus-go/commandbus"
	"github.com/glimte/cqrsbus-go/contracts"
	"github.com/glimte/cqrsbus-go/health"
	"github.com/glimte/cqrsbus-go/messaging"
)

// Ping is served by every instance started with serve
type Ping struct {
	From string `json:"from,omitempty"`
}

func (Ping) HandlerName() string { return "Ping" }
func (Ping) RoutingKey() string  { return "" }

// Pong answers a Ping
type Pong struct {
	Service  string    `json:"service,omitempty"`
	App      string    `json:"app,omitempty"`
	Instance string    `json:"instance"`
	From     string    `json:"from,omitempty"`
	At       time.Time `json:"at"`
}

func serveCommand(flags *globalFlags) *cobra.Command {
	var (
		service    string
		app        string
		cloud      bool
		healthAddr string
		retries    int
		timeout    time.Duration
		breaker    int
		redeliver  int
		deadLetter string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a bus instance that answers Ping",
		Long: `Starts a queue-routed bus for --service and, with --cloud, a cloud bus for --app.
Both answer the Ping command until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("service") {
				cfg.Service = service
			}
			if cmd.Flags().Changed("app") {
				cfg.App = app
			}
			if cmd.Flags().Changed("cloud") {
				cfg.CloudEnabled = cloud
			}

			logger := cfg.NewLogger()
			ctx, stop := signalContext()
			defer stop()

			middleware := []commandbus.MiddlewareFunc{
				commandbus.RecoveryMiddleware(),
				commandbus.LoggingMiddleware(logger),
			}
			if breaker > 0 {
				middleware = append(middleware, commandbus.CircuitBreakerMiddleware(commandbus.CircuitBreakerConfig{
					FailureThreshold: breaker,
					Logger:           logger,
				}))
			}
			middleware = append(middleware,
				commandbus.TimeoutMiddleware(timeout),
				commandbus.RetryMiddleware(commandbus.RetryMiddlewareConfig{MaxAttempts: retries}),
			)

			busOpts := []commandbus.Option{
				commandbus.WithResultHandler(logResult(logger)),
				commandbus.WithMiddleware(middleware...),
			}
			if redeliver > 0 || deadLetter != "" {
				busOpts = append(busOpts, commandbus.WithDeadLetter(commandbus.DeadLetterConfig{
					Router:       deadLetter,
					Redeliveries: redeliver,
				}))
			}

			client, err := startClient(ctx, cfg, cqrsbus.WithLogger(logger), cqrsbus.WithBusOptions(busOpts...))
			if err != nil {
				return err
			}
			defer closeClient(client)

			if healthAddr != "" {
				server := &http.Server{
					Addr:              healthAddr,
					Handler:           health.NewServeMux(client.HealthRegistry(), 5*time.Second),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health server failed", "addr", healthAddr, "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
				logger.Info("serving health", "addr", healthAddr)
			}

			if bus := client.BrokerBus(); bus != nil {
				pong := pingHandler(Pong{Service: cfg.Service, Instance: bus.InstanceID()})
				if err := bus.Register(Ping{}, pong); err != nil {
					return err
				}
				logger.Info("serving", "queue", bus.Topology().Queue)
			}
			if bus := client.CloudBus(); bus != nil {
				pong := pingHandler(Pong{App: bus.Topology().ServiceQueue, Instance: bus.InstanceID()})
				if err := bus.Register(Ping{}, pong); err != nil {
					return err
				}
				logger.Info("serving", "exchange", bus.Topology().Exchange, "app", bus.Topology().ServiceQueue)
			}

			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "", "Service name of the queue-routed bus")
	cmd.Flags().StringVarP(&app, "app", "a", "", "App name of the cloud bus")
	cmd.Flags().BoolVar(&cloud, "cloud", false, "Start a cloud bus")
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve /health, /ready and /live on this address")
	cmd.Flags().IntVar(&retries, "retries", 1, "Attempts per command before its failure is reported")
	cmd.Flags().DurationVar(&timeout, "handler-timeout", 30*time.Second, "Time limit for a single handler run")
	cmd.Flags().IntVar(&breaker, "circuit-breaker", 0, "Consecutive failures that open a command's circuit breaker, 0 disables")
	cmd.Flags().IntVar(&redeliver, "redeliveries", 0, "Times a failed queued command is delivered again")
	cmd.Flags().StringVar(&deadLetter, "dead-letter-router", "", "Topic router that receives commands which exhausted their redeliveries")
	return cmd
}

func pingHandler(template Pong) commandbus.Handler {
	return commandbus.Typed(func(ctx context.Context, ping Ping) (any, error) {
		pong := template
		pong.From = ping.From
		pong.At = time.Now().UTC()
		return pong, nil
	})
}

func logResult(logger *slog.Logger) commandbus.ResultHandler {
	return func(command string, result any, err error) {
		if err != nil {
			logger.Warn("command failed", "command", command, "error", err)
			return
		}
		logger.Info("command executed", "command", command)
	}
}

func publishCommand(flags *globalFlags) *cobra.Command {
	var (
		service   string
		arguments string
	)

	cmd := &cobra.Command{
		Use:   "publish <app> <command>",
		Short: "Publish a command to the instances bound with an app key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			cfg.Service = service
			cfg.CloudEnabled = false

			var payloadArgs json.RawMessage
			if arguments != "" {
				if !json.Valid([]byte(arguments)) {
					return fmt.Errorf("--args is not valid JSON")
				}
				payloadArgs = json.RawMessage(arguments)
			}

			ctx, stop := signalContext()
			defer stop()

			client, err := startClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeClient(client)

			err = client.BrokerBus().Publish(ctx, contracts.Payload{App: args[0], Command: args[1], Arguments: payloadArgs})
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Printf("Published %s to %s\n", args[1], args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "cqrsbus-cli", "Service name of the publishing instance")
	cmd.Flags().StringVar(&arguments, "args", "", "Command arguments as a JSON object")
	return cmd
}

func callCommand(flags *globalFlags) *cobra.Command {
	var (
		schemaFile string
		arguments  string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <route> <handler>",
		Short: "Call a remote handler over the cloud bus and print the reply",
		Example: `  cqrsbus call shipping Ping
  cqrsbus call shipping ShipOrder --schema ship-order --args '{"id": 7}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			cfg.Service = ""
			cfg.App = ""
			cfg.CloudEnabled = true

			var commandArgs any = map[string]any{}
			if arguments != "" {
				if err := json.Unmarshal([]byte(arguments), &commandArgs); err != nil {
					return fmt.Errorf("--args is not valid JSON: %w", err)
				}
			}

			remote, err := contracts.NewRemoteCommand(args[1], args[0], schemaFile, commandArgs)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			client, err := startClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeClient(client)

			reply, err := client.CloudBus().Call(ctx, remote, timeout)
			if reply.Message != nil {
				if perr := printJSON(reply.Message); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&schemaFile, "schema", "", "Schema file of the remote command")
	cmd.Flags().StringVar(&arguments, "args", "", "Command arguments as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", commandbus.DefaultCallTimeout, "How long to wait for the reply")
	return cmd
}

func topologyCommand(flags *globalFlags) *cobra.Command {
	var (
		service  string
		instance string
		app      string
	)

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the exchanges, queues and bindings an instance declares",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("service") {
				cfg.Service = service
			}
			if cmd.Flags().Changed("app") {
				cfg.App = app
			}
			if instance == "" {
				instance = "<instance>"
			}

			if cfg.Service != "" {
				topology := commandbus.NewTopology(cfg.Project, cfg.Env, cfg.Service, instance, cfg.TopicPatterns)
				if cfg.BindServiceKey {
					topology.DirectPatterns = append(topology.DirectPatterns, cfg.Service)
				}
				printTopology(topology.Queue, topology.Routers(), topology.Bindings())
			}

			if cfg.CloudEnabled || cfg.App != "" {
				app := cfg.App
				if app == "" {
					app = "<anonymous>"
				}
				topology := commandbus.NewCloudTopology(cfg.CloudExchange, messaging.RouterKind(cfg.CloudKind), app, instance)
				routers := []messaging.RouterOptions{{Name: topology.Exchange, Kind: topology.Kind, Durable: true}}
				bindings := []messaging.BindOptions{
					{Source: topology.Exchange, Destination: topology.ServiceQueue, Pattern: topology.ServiceQueue},
					{Source: topology.Exchange, Destination: topology.ReplyQueue, Pattern: topology.ReplyQueue},
				}
				printTopology(topology.ServiceQueue+", "+topology.ReplyQueue, routers, bindings)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "", "Service name")
	cmd.Flags().StringVarP(&app, "app", "a", "", "Cloud bus app name")
	cmd.Flags().StringVarP(&instance, "instance", "i", "", "Instance id")
	return cmd
}

func printTopology(queues string, routers []messaging.RouterOptions, bindings []messaging.BindOptions) {
	fmt.Printf("Queues: %s\n", queues)
	fmt.Println("Exchanges:")
	for _, r := range routers {
		fmt.Printf("  %-40s %s\n", r.Name, r.Kind)
	}
	fmt.Println("Bindings:")
	for _, b := range bindings {
		fmt.Printf("  %-40s -> %-40s %s\n", b.Source, b.Destination, b.Pattern)
	}
	fmt.Println(strings.Repeat("-", 80))
}
