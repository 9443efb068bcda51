package ws

import (
	"context"

	"github.com/listingboost/lb_server/internal/pkg/pubsub"
)

// ProgressSource 进度消息来源（Redis 订阅者）
type ProgressSource interface {
	Subscribe(ctx context.Context, handler func(*pubsub.ProgressMessage)) error
}

// Forward 将进度消息转发给订阅对应 token 的连接，阻塞直到 ctx 结束
func (h *Hub) Forward(ctx context.Context, src ProgressSource) error {
	return src.Subscribe(ctx, h.HandleProgress)
}

// PublishProgress 单进程部署时 worker 直接推给本地连接，不经过 Redis
func (h *Hub) PublishProgress(_ context.Context, msg *pubsub.ProgressMessage) error {
	msg.Fill()
	h.HandleProgress(msg)
	return nil
}

// HandleProgress 推送单条进度消息
func (h *Hub) HandleProgress(msg *pubsub.ProgressMessage) {
	if msg.Token == "" {
		return
	}
	if err := h.SendToToken(msg.Token, &Message{Type: msg.Type, Data: msg}); err != nil {
		h.log.Warn("forward progress failed", "job_id", msg.JobID, "error", err)
	}
}
