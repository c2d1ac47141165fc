// Package federation publishes video update events for the federation
// layer once a video's pending work drains.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/streamkit/transcode-coordinator/internal/config"
)

// VideoUpdatedEvent is the message published when a video leaves its
// processing state.
type VideoUpdatedEvent struct {
	VideoUUID uuid.UUID `json:"videoUuid"`
	Timestamp time.Time `json:"timestamp"`
}

// KafkaNotifier publishes video update events to a kafka topic.
type KafkaNotifier struct {
	logger *slog.Logger
	writer *kafka.Writer
}

func NewKafkaNotifier(logger *slog.Logger, cfg *config.KafkaConfig) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &KafkaNotifier{logger: logger, writer: writer}
}

// NotifyVideoUpdated publishes a one-way update event. Delivery is
// at-least-once, callers fire it from retryable post-processing.
func (n *KafkaNotifier) NotifyVideoUpdated(ctx context.Context, videoUUID uuid.UUID) error {
	event := VideoUpdatedEvent{
		VideoUUID: videoUUID,
		Timestamp: time.Now(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal video update event: %w", err)
	}

	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(videoUUID.String()),
		Value: value,
		Time:  event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to publish video update event: %w", err)
	}

	n.logger.Info("published video update event", "videoUUID", videoUUID)
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
