package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mealdrop/mealdrop/internal/access"
	"github.com/mealdrop/mealdrop/internal/clock"
	"github.com/mealdrop/mealdrop/internal/security"
)

func newTestManager(cfg SettingsConfig, now time.Time) *Manager {
	return NewManager(func() SettingsConfig {
		return cfg
	}, clock.NewFixed(now), nil)
}

func newTestRouter(m *Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		id, _ := json.Number(c.GetHeader("X-Test-Consumer")).Int64()
		access.WithPrincipal(c, access.Principal{Role: security.RoleConsumer, ID: uint64(id)})
		c.Next()
	})
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	r.POST("/skip", Middleware(m, ActionSkip), ok)
	r.POST("/pause", Middleware(m, ActionPause), ok)
	return r
}

func call(r *gin.Engine, path, consumer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("X-Test-Consumer", consumer)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddlewareBlocksAfterLimit(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRouter(newTestManager(SettingsConfig{Limit: 1}, now))

	if w := call(r, "/skip", "100"); w.Code != http.StatusNoContent {
		t.Fatalf("expected first request ok, got %d", w.Code)
	}
	w := call(r, "/skip", "100")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After 1, got %q", got)
	}
	if w := call(r, "/pause", "100"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected shared principal budget to block pause, got %d", w.Code)
	}
	if w := call(r, "/skip", "101"); w.Code != http.StatusNoContent {
		t.Fatalf("expected other consumer ok, got %d", w.Code)
	}
}

func TestMiddlewareActionOverride(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := SettingsConfig{Limit: 1, ActionLimits: map[string]int{ActionSkip: 2}}
	r := newTestRouter(newTestManager(cfg, now))

	for i := 0; i < 2; i++ {
		if w := call(r, "/skip", "100"); w.Code != http.StatusNoContent {
			t.Fatalf("skip %d: expected ok, got %d", i, w.Code)
		}
	}
	if w := call(r, "/skip", "100"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected third skip blocked, got %d", w.Code)
	}
	if w := call(r, "/pause", "100"); w.Code != http.StatusNoContent {
		t.Fatalf("expected pause to use its own budget, got %d", w.Code)
	}
}

func TestMiddlewareSkipsAnonymousAndUnlimited(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRouter(newTestManager(SettingsConfig{}, now))
	for i := 0; i < 5; i++ {
		if w := call(r, "/skip", "100"); w.Code != http.StatusNoContent {
			t.Fatalf("expected unlimited, got %d", w.Code)
		}
	}
	r = newTestRouter(newTestManager(SettingsConfig{Limit: 1}, now))
	for i := 0; i < 3; i++ {
		if w := call(r, "/skip", "0"); w.Code != http.StatusNoContent {
			t.Fatalf("expected anonymous request to pass through, got %d", w.Code)
		}
	}
}

func TestMemoryLimiterResetsEachSecond(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	consumer := Subject{Role: "consumer", PrincipalID: 1}
	if res, _ := l.Allow(ctx, consumer, 1, now); !res.Allowed || res.Remaining != 0 {
		t.Fatalf("expected first allowed, got %+v", res)
	}
	if res, _ := l.Allow(ctx, consumer, 1, now.Add(500*time.Millisecond)); res.Allowed {
		t.Fatalf("expected second blocked in same window")
	}
	if res, _ := l.Allow(ctx, Subject{Role: "consumer", PrincipalID: 1, Action: ActionSkip}, 1, now); !res.Allowed {
		t.Fatalf("expected action counter to be separate from the shared budget")
	}
	if res, _ := l.Allow(ctx, consumer, 1, now.Add(time.Second)); !res.Allowed {
		t.Fatalf("expected allowed in next window")
	}
	if n := l.size(); n != 1 {
		t.Fatalf("expected past windows dropped, %d remain", n)
	}
}

func TestManagerFallsBackToMemoryWithoutRedisAddr(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newTestManager(SettingsConfig{Limit: 1, RedisEnabled: true}, now)
	consumer := Subject{Role: "consumer", PrincipalID: 1}
	res, err := m.Allow(context.Background(), consumer, 1)
	if err != nil || !res.Allowed {
		t.Fatalf("expected memory fallback to allow, got %+v, %v", res, err)
	}
	if !m.fallingBack(now) {
		t.Fatalf("expected memory fallback after redis failure")
	}
	if m.fallingBack(now.Add(redisFallbackWindow)) {
		t.Fatalf("expected redis retried once the fallback window ends")
	}
	res, _ = m.Allow(context.Background(), consumer, 1)
	if res.Allowed {
		t.Fatalf("expected memory limiter to block second request")
	}
}

func TestManagerCheckUsesEngineClock(t *testing.T) {
	clk := clock.NewFixed(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(func() SettingsConfig { return SettingsConfig{Limit: 1} }, clk, nil)
	ctx := context.Background()

	decision, res, limited, err := m.Check(ctx, "consumer", 9, ActionCancel)
	if err != nil || !limited || !res.Allowed || decision.Scope != ScopePrincipal {
		t.Fatalf("unexpected first check: %+v %+v %v %v", decision, res, limited, err)
	}
	if _, res, _, _ = m.Check(ctx, "consumer", 9, ActionSkip); res.Allowed {
		t.Fatalf("expected shared budget exhausted")
	}
	clk.Advance(time.Second)
	if _, res, _, _ = m.Check(ctx, "consumer", 9, ActionSkip); !res.Allowed {
		t.Fatalf("expected new window after the clock advanced")
	}
	if _, _, limited, _ = m.Check(ctx, "", 9, ActionSkip); limited {
		t.Fatalf("expected no limit without a role")
	}
}

func TestRedisWindowKey(t *testing.T) {
	l := NewRedisLimiter(nil, " mealdrop:rl ")
	skip := Subject{Role: "consumer", PrincipalID: 7, Action: ActionSkip}
	if got := l.windowKey(skip, 1735689600); got != "mealdrop:rl:consumer:7:a:skip:1735689600" {
		t.Fatalf("unexpected action key %q", got)
	}
	if got := NewRedisLimiter(nil, "").windowKey(Subject{Role: "consumer", PrincipalID: 7}, 5); got != "consumer:7:5" {
		t.Fatalf("unexpected unprefixed key %q", got)
	}
	if res, err := l.Allow(context.Background(), skip, 1, time.Now()); err != nil || !res.Allowed {
		t.Fatalf("expected limiter without a client to allow, got %+v %v", res, err)
	}
}

func TestKeyAndResolve(t *testing.T) {
	cfg := SettingsConfig{Limit: 3, ActionLimits: map[string]int{ActionCancel: 1, ActionPause: 0}}
	if d := ResolveLimit(cfg, ActionCancel); d.Scope != ScopeAction || d.Limit != 1 {
		t.Fatalf("unexpected cancel decision %+v", d)
	}
	if d := ResolveLimit(cfg, ActionPause); d.Scope != ScopePrincipal || d.Limit != 3 {
		t.Fatalf("zero override should fall back to default, got %+v", d)
	}
	if d := ResolveLimit(SettingsConfig{}, ActionSkip); d.Limit != 0 {
		t.Fatalf("expected no limit, got %+v", d)
	}
	if s, ok := SubjectFor("consumer", 7, Decision{Limit: 1, Scope: ScopeAction, Action: ActionSkip}); !ok || s.String() != "consumer:7:a:skip" {
		t.Fatalf("unexpected action subject %q", s)
	}
	if s, ok := SubjectFor("consumer", 7, Decision{Limit: 1, Scope: ScopePrincipal}); !ok || s.String() != "consumer:7" {
		t.Fatalf("unexpected principal subject %q", s)
	}
	if _, ok := SubjectFor("", 7, Decision{Limit: 1, Scope: ScopePrincipal}); ok {
		t.Fatalf("expected no subject without role")
	}
}

func TestParseActionLimits(t *testing.T) {
	limits, ok := asActionLimits(decode(json.RawMessage(`{"skip": 2, "pause": "3", "cancel": -1, " ": 4}`)))
	if !ok {
		t.Fatalf("expected parse ok")
	}
	if limits["skip"] != 2 || limits["pause"] != 3 {
		t.Fatalf("unexpected limits %+v", limits)
	}
	if _, found := limits["cancel"]; found {
		t.Fatalf("negative limit should be dropped")
	}
	if len(limits) != 2 {
		t.Fatalf("expected 2 entries, got %+v", limits)
	}
	if _, ok := asActionLimits(decode(json.RawMessage(`[1,2]`))); ok {
		t.Fatalf("expected array to be rejected")
	}
}

func TestSettingValueCoercion(t *testing.T) {
	counts := map[string]int{`3`: 3, `"7"`: 7, `2.0`: 2, `0`: 0}
	for raw, want := range counts {
		if got, ok := asCount(decode(json.RawMessage(raw))); !ok || got != want {
			t.Fatalf("asCount(%s) = %d, %v; want %d", raw, got, ok, want)
		}
	}
	for _, raw := range []string{`-1`, `1.5`, `"x"`, `true`, `null`, `not json`} {
		if _, ok := asCount(decode(json.RawMessage(raw))); ok {
			t.Fatalf("asCount(%s) should be rejected", raw)
		}
	}
	flags := map[string]bool{`true`: true, `"on"`: true, `1`: true, `"no"`: false, `0`: false}
	for raw, want := range flags {
		if got, ok := asFlag(decode(json.RawMessage(raw))); !ok || got != want {
			t.Fatalf("asFlag(%s) = %v, %v; want %v", raw, got, ok, want)
		}
	}
	if _, ok := asFlag(decode(json.RawMessage(`2`))); ok {
		t.Fatalf("asFlag(2) should be rejected")
	}
}
