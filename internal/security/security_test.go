package security

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken(testSecret, RoleVendor, 42, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseToken(testSecret, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Role != RoleVendor {
		t.Fatalf("role = %q, want vendor", claims.Role)
	}
	id, err := claims.SubjectID()
	if err != nil || id != 42 {
		t.Fatalf("subject = %d, %v; want 42", id, err)
	}
}

func TestParseTokenRejects(t *testing.T) {
	expired, _ := IssueToken(testSecret, RoleConsumer, 1, time.Minute, time.Now().Add(-time.Hour))
	otherKey, _ := IssueToken("other", RoleConsumer, 1, time.Hour, time.Now())
	badRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "rider",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1"},
	}).SignedString([]byte(testSecret))
	badSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin"},
	}).SignedString([]byte(testSecret))
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role:             RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"expired":     expired,
		"wrong key":   otherKey,
		"bad role":    badRole,
		"bad subject": badSubject,
		"alg none":    unsigned,
		"garbage":     "not-a-token",
	}
	for name, token := range cases {
		if _, err := ParseToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
	if _, err := ParseToken("", expired); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestCheckSecret(t *testing.T) {
	if !CheckSecret("s3cret", "s3cret", "") {
		t.Fatalf("plain secret should match")
	}
	if CheckSecret("wrong", "s3cret", "") {
		t.Fatalf("wrong plain secret should not match")
	}
	if CheckSecret("", "", "") || CheckSecret("anything", "", "") {
		t.Fatalf("unconfigured secret must reject")
	}
	hash, err := HashSecret("hashed")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckSecret("hashed", "ignored", hash) {
		t.Fatalf("hashed secret should match")
	}
	if CheckSecret("ignored", "ignored", hash) {
		t.Fatalf("hash takes precedence over plain secret")
	}
}

func TestGenerateRandomString(t *testing.T) {
	a, errA := GenerateRandomString(16)
	if errA != nil {
		t.Fatalf("GenerateRandomString: %v", errA)
	}
	b, errB := GenerateRandomString(16)
	if errB != nil {
		t.Fatalf("GenerateRandomString: %v", errB)
	}
	if len(a) != 32 {
		t.Fatalf("len = %d, want 32", len(a))
	}
	if a == b {
		t.Fatalf("expected distinct values, got %q twice", a)
	}
}
