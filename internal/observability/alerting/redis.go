package alerting

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	xerrors "ZeeWorkflow/internal/errors"
)

// DefaultRedisChannel 是告警事件默认发布到的 Redis 频道。
const DefaultRedisChannel = "zee:alerts"

// RedisNotifier 把告警事件以 JSON 发布到 Redis 频道，供外部订阅方消费。
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisNotifier 创建 RedisNotifier。
func NewRedisNotifier(client redis.UniversalClient, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Channel 返回 Redis 渠道。
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify 发布事件。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.client == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化告警事件失败")
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布告警事件失败")
	}
	return nil
}
