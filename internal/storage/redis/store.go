// Package redis stores credentials and the media index in Redis so several
// gateway replicas can share one credential pool.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/storage"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store implements CredentialStore and ArtifactIndex on Redis hashes.
//
// Layout, relative to the prefix:
//
//	credentials            set of credential ids
//	cred:<id>              hash {record, state, usage, window_start_ms}
//	tokens                 hash token -> id
//	artifacts:<kind>       hash key -> artifact JSON
type Store struct {
	rdb    *redis.Client
	prefix string
}

var (
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.ArtifactIndex   = (*Store)(nil)
)

// credentialRecord is the immutable part of a credential.
type credentialRecord struct {
	ID        string        `json:"id"`
	Token     string        `json:"token"`
	Tier      domain.Tier   `json:"tier"`
	MaxCalls  int           `json:"max_calls"`
	Window    time.Duration `json:"window"`
	Tags      []string      `json:"tags,omitempty"`
	Note      string        `json:"note,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type credentialState struct {
	Status         domain.CredentialStatus `json:"status"`
	CoolingUntil   time.Time               `json:"cooling_until"`
	Failures       int                     `json:"failures"`
	LastError      string                  `json:"last_error,omitempty"`
	LastTestedAt   time.Time               `json:"last_tested_at"`
	LastTestResult string                  `json:"last_test_result,omitempty"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

var createScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return -1
	end
	if redis.call('HSETNX', KEYS[3], ARGV[3], ARGV[4]) == 0 then
		return -2
	end
	redis.call('HSET', KEYS[1], 'record', ARGV[1], 'state', ARGV[2], 'usage', ARGV[5], 'window_start_ms', ARGV[6])
	redis.call('SADD', KEYS[2], ARGV[4])
	return 1
`)

var updateStateScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	redis.call('HSET', KEYS[1], 'state', ARGV[1])
	return 1
`)

var incrementScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	local ws = redis.call('HGET', KEYS[1], 'window_start_ms')
	if ws == ARGV[2] then
		return redis.call('HINCRBY', KEYS[1], 'usage', ARGV[1])
	end
	redis.call('HSET', KEYS[1], 'usage', ARGV[1], 'window_start_ms', ARGV[2])
	return tonumber(ARGV[1])
`)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{rdb: rdb, prefix: cfg.Prefix}, nil
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *Store) credKey(id string) string { return s.key("cred", id) }

func (s *Store) CreateCredential(ctx context.Context, c *domain.Credential) error {
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = domain.StatusActive
	}

	record, err := json.Marshal(credentialRecord{
		ID: c.ID, Token: c.Token, Tier: c.Tier, MaxCalls: c.MaxCalls, Window: c.Window,
		Tags: c.Tags, Note: c.Note, CreatedAt: c.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	state, err := json.Marshal(stateOf(c))
	if err != nil {
		return fmt.Errorf("failed to marshal credential state: %w", err)
	}

	res, err := createScript.Run(ctx, s.rdb,
		[]string{s.credKey(c.ID), s.key("credentials"), s.key("tokens")},
		record, state, c.Token, c.ID, c.Usage, toMillis(c.WindowStart)).Int()
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("credential %s already exists", c.ID)
	case -2:
		return fmt.Errorf("credential with the same token already exists")
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	fields, err := s.rdb.HGetAll(ctx, s.credKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("credential %s: %w", id, storage.ErrNotFound)
	}
	return decodeCredential(fields)
}

func (s *Store) ListCredentials(ctx context.Context, filter storage.CredentialFilter) ([]*domain.Credential, error) {
	ids, err := s.rdb.SMembers(ctx, s.key("credentials")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.credKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	var creds []*domain.Credential
	for _, cmd := range cmds {
		fields := cmd.Val()
		// Deleted between SMEMBERS and HGETALL
		if len(fields) == 0 {
			continue
		}
		c, err := decodeCredential(fields)
		if err != nil {
			return nil, err
		}
		if filter.Matches(c) {
			creds = append(creds, c)
		}
	}

	sort.Slice(creds, func(i, j int) bool {
		if creds[i].CreatedAt.Equal(creds[j].CreatedAt) {
			return creds[i].ID < creds[j].ID
		}
		return creds[i].CreatedAt.Before(creds[j].CreatedAt)
	})
	return creds, nil
}

func (s *Store) UpdateState(ctx context.Context, id string, state storage.CredentialState) error {
	data, err := json.Marshal(credentialState{
		Status:         state.Status,
		CoolingUntil:   state.CoolingUntil,
		Failures:       state.Failures,
		LastError:      state.LastError,
		LastTestedAt:   state.LastTestedAt,
		LastTestResult: state.LastTestResult,
		UpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credential state: %w", err)
	}

	res, err := updateStateScript.Run(ctx, s.rdb, []string{s.credKey(id)}, data).Int()
	if err != nil {
		return fmt.Errorf("failed to update credential state: %w", err)
	}
	if res == -1 {
		return fmt.Errorf("credential %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) IncrementUsage(ctx context.Context, id string, delta int, windowStart time.Time) error {
	res, err := incrementScript.Run(ctx, s.rdb, []string{s.credKey(id)},
		delta, strconv.FormatInt(toMillis(windowStart), 10)).Int()
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	if res == -1 {
		return fmt.Errorf("credential %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	c, err := s.GetCredential(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.credKey(id))
		pipe.SRem(ctx, s.key("credentials"), id)
		pipe.HDel(ctx, s.key("tokens"), c.Token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *Store) PutArtifact(ctx context.Context, a *domain.Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.key("artifacts", string(a.Kind)), a.Key, data).Err(); err != nil {
		return fmt.Errorf("failed to put artifact: %w", err)
	}
	return nil
}

func (s *Store) DeleteArtifact(ctx context.Context, kind domain.MediaKind, key string) error {
	if err := s.rdb.HDel(ctx, s.key("artifacts", string(kind)), key).Err(); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, kind domain.MediaKind) ([]*domain.Artifact, error) {
	kinds := []domain.MediaKind{kind}
	if kind == "" {
		kinds = []domain.MediaKind{domain.MediaImage, domain.MediaVideo}
	}

	var out []*domain.Artifact
	for _, k := range kinds {
		entries, err := s.rdb.HGetAll(ctx, s.key("artifacts", string(k))).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to list artifacts: %w", err)
		}
		for _, raw := range entries {
			var a domain.Artifact
			if err := json.Unmarshal([]byte(raw), &a); err != nil {
				return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
			}
			out = append(out, &a)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].AccessedAt.Before(out[j].AccessedAt)
	})
	return out, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func stateOf(c *domain.Credential) credentialState {
	return credentialState{
		Status:         c.Status,
		CoolingUntil:   c.CoolingUntil,
		Failures:       c.Failures,
		LastError:      c.LastError,
		LastTestedAt:   c.LastTestedAt,
		LastTestResult: c.LastTestResult,
		UpdatedAt:      c.UpdatedAt,
	}
}

func decodeCredential(fields map[string]string) (*domain.Credential, error) {
	var rec credentialRecord
	if err := json.Unmarshal([]byte(fields["record"]), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}
	var st credentialState
	if err := json.Unmarshal([]byte(fields["state"]), &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential state: %w", err)
	}

	usage, _ := strconv.Atoi(fields["usage"])
	ws, _ := strconv.ParseInt(fields["window_start_ms"], 10, 64)

	return &domain.Credential{
		ID:             rec.ID,
		Token:          rec.Token,
		Tier:           rec.Tier,
		MaxCalls:       rec.MaxCalls,
		Window:         rec.Window,
		Usage:          usage,
		WindowStart:    fromMillis(ws),
		Status:         st.Status,
		CoolingUntil:   st.CoolingUntil,
		Failures:       st.Failures,
		LastError:      st.LastError,
		Tags:           rec.Tags,
		Note:           rec.Note,
		LastTestedAt:   st.LastTestedAt,
		LastTestResult: st.LastTestResult,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
	}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
