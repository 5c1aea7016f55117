package commandbus

import (
	"fmt"

	"github.com/glimte/cqrsbus-go/messaging"
)

// Topology is the routing layout of a queue-routed bus instance
type Topology struct {
	Queue          string
	TopicExchange  string
	DirectExchange string
	TopicPatterns  []string
	DirectPatterns []string
}

// NewTopology computes the layout for an instance of a service. Without
// explicit topic patterns the queue receives topic messages routed with the
// project name.
func NewTopology(project, env, service, instanceID string, topicPatterns []string) Topology {
	if len(topicPatterns) == 0 {
		topicPatterns = []string{project}
	}

	queue := fmt.Sprintf("%s.%s.%s.%s", project, env, service, instanceID)
	return Topology{
		Queue:          queue,
		TopicExchange:  fmt.Sprintf("%s.%s.topic", project, env),
		DirectExchange: fmt.Sprintf("%s.%s.direct", project, env),
		TopicPatterns:  append([]string(nil), topicPatterns...),
		DirectPatterns: []string{queue},
	}
}

// Bindings lists the bindings the instance queue needs
func (t Topology) Bindings() []messaging.BindOptions {
	bindings := make([]messaging.BindOptions, 0, len(t.TopicPatterns)+len(t.DirectPatterns))
	for _, pattern := range t.TopicPatterns {
		bindings = append(bindings, messaging.BindOptions{Source: t.TopicExchange, Destination: t.Queue, Pattern: pattern})
	}
	for _, pattern := range t.DirectPatterns {
		bindings = append(bindings, messaging.BindOptions{Source: t.DirectExchange, Destination: t.Queue, Pattern: pattern})
	}
	return bindings
}

// Routers lists the exchanges the instance needs
func (t Topology) Routers() []messaging.RouterOptions {
	return []messaging.RouterOptions{
		{Name: t.TopicExchange, Kind: messaging.RouterTopic, Durable: true},
		{Name: t.DirectExchange, Kind: messaging.RouterDirect, Durable: true},
	}
}

// CloudTopology is the routing layout of a cloud bus instance
type CloudTopology struct {
	Exchange     string
	Kind         messaging.RouterKind
	ServiceQueue string // Shared by every instance of the app
	ReplyQueue   string // Private to the instance
}

// NewCloudTopology computes the layout for an instance of an app
func NewCloudTopology(exchange string, kind messaging.RouterKind, app, instanceID string) CloudTopology {
	if kind == "" {
		kind = messaging.RouterDirect
	}
	return CloudTopology{
		Exchange:     exchange,
		Kind:         kind,
		ServiceQueue: app,
		ReplyQueue:   app + "." + instanceID,
	}
}
