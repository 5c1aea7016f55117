// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cqrsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/glimte/cqrsbus-go/commandbus"
	"github.com/glimte/cqrsbus-go/health"
	"github.com/glimte/cqrsbus-go/internal/rabbitmq"
	"github.com/glimte/cqrsbus-go/messaging"
	"github.com/glimte/cqrsbus-go/schema"
	"github.com/glimte/cqrsbus-go/transports/memory"
	rabbitmqTransport "github.com/glimte/cqrsbus-go/transports/rabbitmq"
	redisTransport "github.com/glimte/cqrsbus-go/transports/redis"
)

// Client provides the main entry point for cqrsbus-go. It owns the broker
// and the buses running on it.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	broker    messaging.Broker
	schemas   *schema.MessageValidator
	brokerBus *commandbus.BrokerBus
	cloudBus  *commandbus.CloudBus
}

// NewClient assembles the transport and buses described by cfg. A broker bus
// is started when cfg.Service is set and a cloud bus when cfg.CloudEnabled is.
func NewClient(cfg Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Service == "" && !cfg.CloudEnabled {
		return nil, errors.New("a service name or an enabled cloud bus is required")
	}

	cc := &clientConfig{}
	for _, opt := range options {
		opt(cc)
	}
	if cc.logger == nil {
		cc.logger = cfg.NewLogger()
	}

	ackMode, _ := messaging.ParseAckMode(cfg.AckMode)

	schemas := schema.NewMessageValidator()
	if cfg.SchemaDir != "" {
		ids, err := schemas.LoadSchemas(os.DirFS(cfg.SchemaDir), "*.json")
		if err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
		cc.logger.Info("loaded schemas", "dir", cfg.SchemaDir, "count", len(ids))
	}

	broker := cc.broker
	if broker == nil {
		broker = newBroker(cfg, cc.logger)
	}

	busOpts := []commandbus.Option{
		commandbus.WithLogger(cc.logger),
		commandbus.WithSchemas(schemas),
		commandbus.WithAckMode(ackMode),
		commandbus.WithDefaultTimeout(cfg.DefaultTimeout),
	}
	if cfg.InstanceID != "" {
		busOpts = append(busOpts, commandbus.WithInstanceID(cfg.InstanceID))
	}
	busOpts = append(busOpts, cc.busOptions...)

	c := &Client{
		cfg:     cfg,
		logger:  cc.logger,
		broker:  broker,
		schemas: schemas,
	}

	if cfg.Service != "" {
		bus, err := commandbus.NewBrokerBus(broker, commandbus.BrokerBusConfig{
			Project:        cfg.Project,
			Env:            cfg.Env,
			Service:        cfg.Service,
			TopicPatterns:  cfg.TopicPatterns,
			BindServiceKey: cfg.BindServiceKey,
			Prefetch:       cfg.Prefetch,
		}, busOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create broker bus: %w", err)
		}
		c.brokerBus = bus
	}

	if cfg.CloudEnabled {
		bus, err := commandbus.NewCloudBus(broker, commandbus.CloudBusConfig{
			App:      cfg.App,
			Exchange: cfg.CloudExchange,
			Kind:     messaging.RouterKind(cfg.CloudKind),
			Prefetch: cfg.Prefetch,
		}, busOpts...)
		if err != nil {
			_ = c.Close(context.Background())
			return nil, fmt.Errorf("failed to create cloud bus: %w", err)
		}
		c.cloudBus = bus
	}

	return c, nil
}

func newBroker(cfg Config, logger *slog.Logger) messaging.Broker {
	switch cfg.Transport {
	case TransportRedis:
		return redisTransport.NewBroker(redisTransport.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
			Logger:   logger,
		})
	case TransportMemory:
		return memory.NewBroker(memory.Config{Logger: logger})
	default:
		return rabbitmqTransport.NewBroker(cfg.BrokerURL,
			rabbitmqTransport.WithLogger(logger),
			rabbitmqTransport.WithConsumerOptions(rabbitmq.WithPrefetchCount(cfg.Prefetch)),
		)
	}
}

// BrokerBus returns the queue-routed bus, or nil when no service is configured
func (c *Client) BrokerBus() *commandbus.BrokerBus {
	return c.brokerBus
}

// CloudBus returns the cloud bus, or nil when it is disabled
func (c *Client) CloudBus() *commandbus.CloudBus {
	return c.cloudBus
}

// Broker returns the underlying transport
func (c *Client) Broker() messaging.Broker {
	return c.broker
}

// Schemas returns the schema store shared by the buses
func (c *Client) Schemas() *schema.MessageValidator {
	return c.schemas
}

// Config returns the configuration the client was built from
func (c *Client) Config() Config {
	return c.cfg
}

// HealthRegistry builds a registry checking the broker, each bus and the runtime
func (c *Client) HealthRegistry() *health.Registry {
	registry := health.NewRegistry()
	registry.SetMetadata("project", c.cfg.Project)
	registry.SetMetadata("env", c.cfg.Env)
	registry.SetMetadata("transport", c.cfg.Transport)

	if pinger, ok := c.broker.(health.Pinger); ok {
		registry.Register(health.NewBrokerChecker("broker", pinger))
	}
	if c.brokerBus != nil {
		registry.SetMetadata("service", c.cfg.Service)
		registry.SetMetadata("instance", c.brokerBus.InstanceID())
		registry.Register(health.NewBusChecker("broker_bus", c.brokerBus))
	}
	if c.cloudBus != nil {
		registry.SetMetadata("app", c.cloudBus.Topology().ServiceQueue)
		registry.Register(health.NewBusChecker("cloud_bus", c.cloudBus))
	}
	registry.Register(health.NewGoroutineChecker(5000, 20000))
	return registry
}

// WaitReady blocks until every bus is ready, one fails or ctx is done
func (c *Client) WaitReady(ctx context.Context) error {
	if c.brokerBus != nil {
		if err := c.brokerBus.WaitReady(ctx); err != nil {
			return fmt.Errorf("broker bus: %w", err)
		}
	}
	if c.cloudBus != nil {
		if err := c.cloudBus.WaitReady(ctx); err != nil {
			return fmt.Errorf("cloud bus: %w", err)
		}
	}
	return nil
}

// Close stops the buses and disconnects the broker
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if c.cloudBus != nil {
		if err := c.cloudBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cloud bus: %w", err))
		}
	}
	if c.brokerBus != nil {
		if err := c.brokerBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("broker bus: %w", err))
		}
	}
	if err := c.broker.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	broker     messaging.Broker
	busOptions []commandbus.Option
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components instead of the one built from Config
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithBroker runs the buses on broker instead of the configured transport
func WithBroker(broker messaging.Broker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.broker = broker
	}
}

// WithBusOptions passes extra options to every bus
func WithBusOptions(opts ...commandbus.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.busOptions = append(cfg.busOptions, opts...)
	}
}
