package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/listingboost/lb_server/internal/model"
)

const (
	ChannelJobProgress = "listing_job_progress"
)

// ProgressMessage 进度消息
type ProgressMessage struct {
	Type       string          `json:"type"`
	Token      string          `json:"token"`
	JobID      string          `json:"job_id"`
	Status     model.JobStatus `json:"status"`
	Step       model.JobStep   `json:"step"`
	Progress   int             `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
	IsRealData *bool           `json:"is_real_data,omitempty"`
}

// Fill 补全消息类型与阶段描述
func (m *ProgressMessage) Fill() {
	m.Type = "job_progress"
	if m.Message == "" && m.Step != "" {
		m.Message = model.StepDescriptions[m.Step]
	}
}

// ProgressPublisher 进度推送，worker 只依赖该接口
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, msg *ProgressMessage) error
}

// NopPublisher 未配置 Redis 时使用
type NopPublisher struct{}

func (NopPublisher) PublishProgress(context.Context, *ProgressMessage) error { return nil }

// Publisher Redis 发布者
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, channel: ChannelJobProgress}
}

// PublishProgress 发布进度消息
func (p *Publisher) PublishProgress(ctx context.Context, msg *ProgressMessage) error {
	msg.Fill()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal progress message: %w", err)
	}

	return p.client.Publish(ctx, p.channel, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client  *redis.Client
	channel string
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client, channel: ChannelJobProgress}
}

// Subscribe 订阅进度消息，阻塞直到 ctx 结束
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*ProgressMessage)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	// 等待订阅确认，避免订阅前发布的消息丢失
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var progressMsg ProgressMessage
			if err := json.Unmarshal([]byte(msg.Payload), &progressMsg); err != nil {
				continue // 忽略解析错误
			}

			handler(&progressMsg)
		}
	}
}
