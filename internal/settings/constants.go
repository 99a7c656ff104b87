package settings

// DB config keys and defaults for settings.
const (
	// RateLimitKey controls the per-principal mutation limit per second.
	RateLimitKey = "RATE_LIMIT"
	// RateLimitActionsKey holds per-action overrides as a JSON object.
	RateLimitActionsKey = "RATE_LIMIT_ACTIONS"
	// RateLimitRedisEnabledKey toggles Redis-backed rate limiting.
	RateLimitRedisEnabledKey = "RATE_LIMIT_REDIS_ENABLED"
	// RateLimitRedisAddrKey defines the Redis address for rate limiting.
	RateLimitRedisAddrKey = "RATE_LIMIT_REDIS_ADDR"
	// RateLimitRedisPasswordKey defines the Redis password for rate limiting.
	RateLimitRedisPasswordKey = "RATE_LIMIT_REDIS_PASSWORD"
	// RateLimitRedisDBKey defines the Redis DB index for rate limiting.
	RateLimitRedisDBKey = "RATE_LIMIT_REDIS_DB"
	// RateLimitRedisPrefixKey defines the Redis key prefix for rate limiting.
	RateLimitRedisPrefixKey = "RATE_LIMIT_REDIS_PREFIX"
	// RefundMaxAttemptsKey caps gateway dispatch attempts per refund request.
	RefundMaxAttemptsKey = "REFUND_MAX_ATTEMPTS"
	// DefaultRateLimit is the fallback rate limit (0 means unlimited).
	DefaultRateLimit = 5
	// DefaultRateLimitRedisPrefix is the fallback Redis key prefix.
	DefaultRateLimitRedisPrefix = "mealdrop:rl"
	// DefaultRefundMaxAttempts is the fallback refund attempt cap.
	DefaultRefundMaxAttempts = 5
)
