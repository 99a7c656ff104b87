package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// After a Redis failure, counting stays in memory for this long.
const redisFallbackWindow = 30 * time.Second

// SettingsProvider supplies the latest settings snapshot.
type SettingsProvider func() SettingsConfig

// RedisDialer opens a Redis client.
type RedisDialer func(options *redis.Options) *redis.Client

type redisTarget struct {
	addr     string
	password string
	db       int
	prefix   string
}

func targetOf(cfg SettingsConfig) redisTarget {
	return redisTarget{addr: cfg.RedisAddr, password: cfg.RedisPassword, db: cfg.RedisDB, prefix: cfg.RedisPrefix}
}

// Manager counts consumer mutations per principal and action. It uses Redis
// when enabled in settings and the in-process counters otherwise or while
// Redis is failing.
type Manager struct {
	settings SettingsProvider
	clock    clock.Clock
	memory   *MemoryLimiter
	dial     RedisDialer

	mu            sync.Mutex
	redis         *RedisLimiter
	target        redisTarget
	fallbackUntil time.Time
}

// NewManager constructs a Manager. Nil arguments select the settings snapshot,
// the wall clock and redis.NewClient.
func NewManager(settings SettingsProvider, clk clock.Clock, dial RedisDialer) *Manager {
	if settings == nil {
		settings = LoadSettingsConfig
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if dial == nil {
		dial = redis.NewClient
	}
	return &Manager{settings: settings, clock: clk, memory: NewMemoryLimiter(), dial: dial}
}

// Check charges one request by the principal for action. limited is false
// when no limit applies to the request.
func (m *Manager) Check(ctx context.Context, role string, principalID uint64, action string) (Decision, Result, bool, error) {
	if m == nil {
		return Decision{}, Result{Allowed: true}, false, nil
	}
	cfg := m.settings()
	decision := ResolveLimit(cfg, action)
	subject, limited := SubjectFor(role, principalID, decision)
	if !limited {
		return decision, Result{Allowed: true}, false, nil
	}
	result, errAllow := m.allow(ctx, cfg, subject, decision.Limit)
	if errAllow != nil {
		return decision, Result{Allowed: true}, true, errAllow
	}
	if !result.Allowed {
		log.WithFields(subject.fields()).WithField("limit", decision.Limit).Debug("rate limit: request throttled")
	}
	return decision, result, true, nil
}

// Allow charges one request to s against limit.
func (m *Manager) Allow(ctx context.Context, s Subject, limit int) (Result, error) {
	if m == nil || limit <= 0 {
		return Result{Allowed: true}, nil
	}
	return m.allow(ctx, m.settings(), s, limit)
}

func (m *Manager) allow(ctx context.Context, cfg SettingsConfig, s Subject, limit int) (Result, error) {
	now := m.clock.Now()
	if cfg.RedisEnabled && !m.fallingBack(now) {
		result, errRedis := m.allowRedis(ctx, cfg, s, limit, now)
		if errRedis == nil {
			return result, nil
		}
		m.fallBack(errRedis, s, now)
	}
	return m.memory.Allow(ctx, s, limit, now)
}

func (m *Manager) allowRedis(ctx context.Context, cfg SettingsConfig, s Subject, limit int, now time.Time) (Result, error) {
	limiter, errConnect := m.connect(ctx, targetOf(cfg))
	if errConnect != nil {
		return Result{}, errConnect
	}
	return limiter.Allow(ctx, s, limit, now)
}

func (m *Manager) fallingBack(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.Before(m.fallbackUntil)
}

func (m *Manager) fallBack(err error, s Subject, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Before(m.fallbackUntil) {
		return
	}
	m.fallbackUntil = now.Add(redisFallbackWindow)
	log.WithError(err).WithFields(s.fields()).Warn("rate limit: redis unavailable, counting in memory")
}

// connect returns the limiter for target, redialing when settings changed.
func (m *Manager) connect(ctx context.Context, target redisTarget) (*RedisLimiter, error) {
	if target.addr == "" {
		return nil, errors.New("rate limit: redis address not configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redis != nil && m.target == target {
		return m.redis, nil
	}
	if m.redis != nil {
		if errClose := m.redis.client.Close(); errClose != nil {
			log.WithError(errClose).Debug("rate limit: close previous redis client")
		}
		m.redis = nil
	}
	client := m.dial(&redis.Options{Addr: target.addr, Password: target.password, DB: target.db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		return nil, errPing
	}
	m.redis = NewRedisLimiter(client, target.prefix)
	m.target = target
	log.WithFields(log.Fields{"addr": target.addr, "db": target.db, "prefix": target.prefix}).Info("rate limit: redis connected")
	return m.redis, nil
}
