package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultPresenceTTL = 2 * time.Minute

// presence key: im:presence:<user>
// hash field = connId, value = gateway node id; TTL 由心跳续期
func presenceKey(user string) string { return "im:presence:" + user }

// Presence 记录用户在哪些网关节点有活跃连接
type Presence struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewPresence(rdb redis.Cmdable, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Presence{rdb: rdb, ttl: ttl}
}

// Online 标记连接在线并续期；重复调用即心跳
func (p *Presence) Online(ctx context.Context, user, connID, nodeID string) error {
	key := presenceKey(user)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, connID, nodeID)
		pipe.PExpire(ctx, key, p.ttl)
		return nil
	})
	return errors.Wrapf(err, "presence online %s", user)
}

// Offline 移除单个连接；最后一个连接移除后 key 自然消失
func (p *Presence) Offline(ctx context.Context, user, connID string) error {
	return errors.Wrapf(p.rdb.HDel(ctx, presenceKey(user), connID).Err(), "presence offline %s", user)
}

// Nodes 返回用户所在的网关节点（去重）
func (p *Presence) Nodes(ctx context.Context, user string) ([]string, error) {
	vals, err := p.rdb.HVals(ctx, presenceKey(user)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "presence lookup %s", user)
	}
	seen := make(map[string]struct{}, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// IsOnline 批量查询
func (p *Presence) IsOnline(ctx context.Context, users []string) (map[string]bool, error) {
	out := make(map[string]bool, len(users))
	if len(users) == 0 {
		return out, nil
	}
	cmds := make([]*redis.IntCmd, len(users))
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, u := range users {
			cmds[i] = pipe.Exists(ctx, presenceKey(u))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "presence batch lookup")
	}
	for i, u := range users {
		out[u] = cmds[i].Val() > 0
	}
	return out, nil
}
