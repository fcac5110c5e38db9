// Package redis provides Redis-backed ErrorSlot and ReplayLedger
// implementations, shared by every instance behind a load balancer.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mnehpets/googlelogin/auth"
	goredis "github.com/redis/go-redis/v9"
)

// New connects to addr and pings it.
func New(ctx context.Context, addr, password string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// ErrorSlot stores flashes as JSON values with a TTL.
type ErrorSlot struct {
	client *goredis.Client
	prefix string
}

// NewErrorSlot returns an ErrorSlot using client.
func NewErrorSlot(client *goredis.Client) *ErrorSlot {
	return &ErrorSlot{client: client, prefix: "googlelogin:flash:"}
}

func (e *ErrorSlot) key(id string) string {
	return e.prefix + id
}

func (e *ErrorSlot) Put(ctx context.Context, f auth.Flash, ttl time.Duration) (string, error) {
	id, err := auth.GenerateFlashID()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("flash: failed to marshal: %w", err)
	}
	if err := e.client.Set(ctx, e.key(id), data, ttl).Err(); err != nil {
		return "", err
	}
	return id, nil
}

// Take reads and deletes the flash in one GETDEL.
func (e *ErrorSlot) Take(ctx context.Context, id string) (auth.Flash, error) {
	val, err := e.client.GetDel(ctx, e.key(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return auth.Flash{}, auth.ErrSlotNotFound
	}
	if err != nil {
		return auth.Flash{}, err
	}
	var f auth.Flash
	if err := json.Unmarshal([]byte(val), &f); err != nil {
		return auth.Flash{}, fmt.Errorf("flash: failed to unmarshal: %w", err)
	}
	return f, nil
}

// ReplayLedger records consumed tokens with SET NX.
type ReplayLedger struct {
	client *goredis.Client
	prefix string
}

// NewReplayLedger returns a ReplayLedger using client.
func NewReplayLedger(client *goredis.Client) *ReplayLedger {
	return &ReplayLedger{client: client, prefix: "googlelogin:used:"}
}

func (l *ReplayLedger) Consume(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+token, 1, ttl).Result()
}

var (
	_ auth.ErrorSlot    = (*ErrorSlot)(nil)
	_ auth.ReplayLedger = (*ReplayLedger)(nil)
)
