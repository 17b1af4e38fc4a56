package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisJournalConfig 描述结算流水的 Redis 连接参数。
type RedisJournalConfig struct {
	Address    string
	Password   string
	DB         int
	Key        string
	MaxEntries int64
}

// RedisJournal 使用 Redis list 实现有界的结算流水：LPUSH 写入、
// LTRIM 截断，保留最近 MaxEntries 条事件供运营侧查询。
type RedisJournal struct {
	client *redis.Client
	key    string
	limit  int64
}

// NewRedisJournal 创建 Redis 流水实例。
func NewRedisJournal(cfg RedisJournalConfig) (*RedisJournal, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "agentfi:settlement"
	}
	limit := cfg.MaxEntries
	if limit <= 0 {
		limit = 1024
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisJournal{client: client, key: key, limit: limit}, nil
}

// Record 将事件追加到流水并截断到上限。
func (j *RedisJournal) Record(ctx context.Context, event Event) error {
	stampEvent(&event)
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化结算事件失败: %w", err)
	}
	if err := j.client.LPush(ctx, j.key, encoded).Err(); err != nil {
		return fmt.Errorf("写入结算流水失败: %w", err)
	}
	if err := j.client.LTrim(ctx, j.key, 0, j.limit-1).Err(); err != nil {
		return fmt.Errorf("截断结算流水失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (j *RedisJournal) Close() error {
	return j.client.Close()
}

var _ Journal = (*RedisJournal)(nil)
