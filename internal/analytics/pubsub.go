// Package analytics ships fire-and-forget product events (game created, turn
// submitted, dispute resolved) to Google Cloud Pub/Sub for the downstream
// warehouse. Nothing in the game path waits on it.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
)

// PubSubEmitter publishes events to a Pub/Sub topic. It satisfies the duel
// service's Analytics interface.
type PubSubEmitter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubEmitter connects to the topic, creating it if missing.
func NewPubSubEmitter(projectID, topicID string) (*PubSubEmitter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}

	// Order per game so the warehouse replays turns in sequence.
	topic.EnableMessageOrdering = true

	e := &PubSubEmitter{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[ANALYTICS] ", log.LstdFlags),
	}
	e.logger.Printf("Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return e, nil
}

type envelope struct {
	ID    string         `json:"id"`
	Event string         `json:"event"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data"`
}

// Emit publishes one event. The publish result is checked off the hot path.
func (e *PubSubEmitter) Emit(ctx context.Context, event string, data map[string]any) {
	env := envelope{
		ID:    uuid.NewString(),
		Event: event,
		Time:  time.Now().UTC(),
		Data:  data,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		e.logger.Printf("marshal %s failed: %v", event, err)
		return
	}

	orderingKey := ""
	if gid, ok := data["game_id"].(string); ok {
		orderingKey = gid
	} else if sid, ok := data["session_id"].(string); ok {
		orderingKey = sid
	}

	result := e.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event": event,
			"id":    env.ID,
			"time":  env.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: orderingKey,
	})

	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			e.logger.Printf("publish %s failed: %v", event, err)
		}
	}()
}

// Close flushes pending publishes and shuts down the client.
func (e *PubSubEmitter) Close() error {
	e.topic.Stop()
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the topic is reachable.
func (e *PubSubEmitter) HealthCheck(ctx context.Context) error {
	exists, err := e.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// LogEmitter writes events to the log instead of Pub/Sub. Local development.
type LogEmitter struct{}

func (LogEmitter) Emit(ctx context.Context, event string, data map[string]any) {
	slog.Debug("analytics event", "event", event, "data", data)
}
