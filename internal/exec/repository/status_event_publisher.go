// Package repository publishes session outcome events for downstream
// consumers (submission history, billing, analytics).
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codedock/internal/common/mq"
	"codedock/internal/exec/model"
	appErr "codedock/pkg/errors"
)

// StatusEventPublisher publishes session status events for async processing.
type StatusEventPublisher interface {
	PublishFinalStatus(ctx context.Context, status model.SessionStatus) error
}

// MQStatusEventPublisher publishes status events to a message queue.
type MQStatusEventPublisher struct {
	queue mq.Producer
	topic string
}

// NewMQStatusEventPublisher creates a new MQ status event publisher.
// A nil queue disables publishing; PublishFinalStatus becomes a no-op.
func NewMQStatusEventPublisher(queue mq.Producer, topic string) *MQStatusEventPublisher {
	return &MQStatusEventPublisher{queue: queue, topic: topic}
}

// PublishFinalStatus publishes a terminal session event.
func (p *MQStatusEventPublisher) PublishFinalStatus(ctx context.Context, status model.SessionStatus) error {
	if p == nil || p.queue == nil {
		return nil
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("status topic is required")
	}
	if status.SessionID == "" {
		return appErr.ValidationError("session_id", "required")
	}
	event := model.StatusEvent{
		Type:      model.StatusEventFinal,
		Session:   status,
		CreatedAt: time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = status.SessionID
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish status event failed")
	}
	return nil
}
