package ratelimit

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	internalsettings "github.com/mealdrop/mealdrop/internal/settings"
)

// SettingsConfig is the rate limit view of the settings snapshot.
type SettingsConfig struct {
	Limit         int
	ActionLimits  map[string]int
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// LoadSettingsConfig reads the rate limit settings from the current snapshot.
// Missing or malformed values keep their defaults.
func LoadSettingsConfig() SettingsConfig {
	cfg := SettingsConfig{
		Limit:       internalsettings.DefaultRateLimit,
		RedisPrefix: internalsettings.DefaultRateLimitRedisPrefix,
	}
	if n, ok := asCount(lookup(internalsettings.RateLimitKey)); ok {
		cfg.Limit = n
	}
	if limits, ok := asActionLimits(lookup(internalsettings.RateLimitActionsKey)); ok {
		cfg.ActionLimits = limits
	}
	if on, ok := asFlag(lookup(internalsettings.RateLimitRedisEnabledKey)); ok {
		cfg.RedisEnabled = on
	}
	if addr, ok := asText(lookup(internalsettings.RateLimitRedisAddrKey)); ok {
		cfg.RedisAddr = addr
	}
	if password, ok := asText(lookup(internalsettings.RateLimitRedisPasswordKey)); ok {
		cfg.RedisPassword = password
	}
	if db, ok := asCount(lookup(internalsettings.RateLimitRedisDBKey)); ok {
		cfg.RedisDB = db
	}
	if prefix, ok := asText(lookup(internalsettings.RateLimitRedisPrefixKey)); ok && prefix != "" {
		cfg.RedisPrefix = prefix
	}
	return cfg
}

func lookup(key string) any {
	raw, ok := internalsettings.DBConfigValue(key)
	if !ok {
		return nil
	}
	return decode(raw)
}

func decode(raw json.RawMessage) any {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
	dec.UseNumber()
	var v any
	if errDecode := dec.Decode(&v); errDecode != nil {
		return nil
	}
	return v
}

// asCount accepts a non-negative whole number, written as a JSON number or a
// numeric string.
func asCount(v any) (int, bool) {
	var text string
	switch t := v.(type) {
	case json.Number:
		text = t.String()
	case string:
		text = strings.TrimSpace(t)
	default:
		return 0, false
	}
	if n, errAtoi := strconv.Atoi(text); errAtoi == nil {
		return n, n >= 0
	}
	f, errFloat := strconv.ParseFloat(text, 64)
	if errFloat != nil || f < 0 || f > math.MaxInt32 || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func asFlag(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case json.Number:
		switch t.String() {
		case "1":
			return true, true
		case "0":
			return false, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "y", "on":
			return true, true
		case "0", "false", "no", "n", "off":
			return false, true
		}
	}
	return false, false
}

func asText(v any) (string, bool) {
	s, ok := v.(string)
	return strings.TrimSpace(s), ok
}

// asActionLimits reads an object of action name to per-second limit,
// dropping entries that are not valid counts.
func asActionLimits(v any) (map[string]int, bool) {
	entries, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	limits := make(map[string]int, len(entries))
	for action, value := range entries {
		action = strings.TrimSpace(action)
		if action == "" {
			continue
		}
		if n, okCount := asCount(value); okCount {
			limits[action] = n
		}
	}
	return limits, true
}
