package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/pantry-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/pantry-backend/pkg/errors"
	"github.com/angelmondragon/pantry-backend/pkg/logger"
)

// Client owns the Pub/Sub connection and the single publisher for order
// lifecycle events.
type Client struct {
	client *pubsub.Client
	topic  string
	events *pubsub.Publisher
}

// NewClient connects to Pub/Sub and fails when the order events topic is
// missing. Extra options are appended after the credential options.
func NewClient(ctx context.Context, cfg config.PubSubConfig, logg *logger.Logger, extra ...option.ClientOption) (*Client, error) {
	topic, err := topicName(cfg.ProjectID, cfg.OrderEventsTopic)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewClient(ctx, strings.TrimSpace(cfg.ProjectID), append(credentialOptions(cfg), extra...)...)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "connect pubsub")
	}
	c := &Client{client: ps, topic: topic}
	if err := c.Ping(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	c.events = ps.Publisher(topic)
	if logg != nil {
		logg.Info(logg.WithField(ctx, "topic", topic), "pubsub order events topic ready")
	}
	return c, nil
}

// credentialOptions: inline JSON wins over a credentials file; with neither,
// application default credentials apply.
func credentialOptions(cfg config.PubSubConfig) []option.ClientOption {
	if raw := strings.TrimSpace(cfg.CredentialsJSON); raw != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(raw))}
	}
	if path := strings.TrimSpace(cfg.ApplicationCredentials); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

// topicName expands a short topic id to projects/<project>/topics/<id>.
// A full resource name is accepted as is.
func topicName(project, topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "PANTRY_PUBSUB_ORDER_EVENTS_TOPIC is required")
	}
	if strings.HasPrefix(topic, "projects/") && strings.Contains(topic, "/topics/") {
		return topic, nil
	}
	project = strings.TrimSpace(project)
	if project == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "PANTRY_GCP_PROJECT_ID is required")
	}
	return "projects/" + project + "/topics/" + topic, nil
}

// OrderEventsPublisher is nil on a nil or closed client.
func (c *Client) OrderEventsPublisher() *pubsub.Publisher {
	if c == nil {
		return nil
	}
	return c.events
}

// Ping looks the topic up, which proves both connectivity and permissions.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("pubsub client not connected")
	}
	_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: c.topic})
	switch status.Code(err) {
	case codes.OK:
		return nil
	case codes.NotFound:
		return pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("pubsub topic %s does not exist", c.topic))
	default:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "look up pubsub topic")
	}
}

// Close flushes pending publishes before closing the connection.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.events != nil {
		c.events.Stop()
		c.events = nil
	}
	return c.client.Close()
}
