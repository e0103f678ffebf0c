package runs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ZeeWorkflow/internal/errors"
	"ZeeWorkflow/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现运行队列，多个 zeed 实例可共享同一队列。
type RedisQueue struct {
	client redis.UniversalClient
	queue  string
	wait   time.Duration
	owned  bool
}

// NewRedisQueue 创建 Redis 队列实例并检查连通性。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	q := NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait)
	q.owned = true
	return q, nil
}

// NewRedisQueueWithClient 复用已有的 Redis 客户端，Close 不会关闭该客户端。
func NewRedisQueueWithClient(client redis.UniversalClient, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "zee:runs"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将运行投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, runID string) error {
	if err := q.client.LPush(ctx, q.queue, runID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布运行失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取运行，处理失败时重新投递。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取运行失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				runID := values[1]
				if handlerErr := handler(ctx, runID); handlerErr != nil {
					logger.L().Warn("运行处理失败，重新投递",
						slog.String("run_id", runID), slog.Any("error", handlerErr))
					_ = q.client.RPush(ctx, q.queue, runID).Err()
				}
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭自身创建的 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.owned {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
