package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("s3cret", "ride-dispatch", time.Minute)
	tok, err := v.Issue("driver-7", RoleDriver)
	if err != nil {
		t.Fatal(err)
	}
	id, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.ID != "driver-7" || !id.IsDriver() {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("s3cret", "ride-dispatch", time.Minute)
	other := NewVerifier("different", "ride-dispatch", time.Minute)
	forged, _ := other.Issue("driver-7", RoleDriver)
	badRole, _ := v.Issue("x", "admin")
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Role: RoleClient, RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{"forged": forged, "role": badRole, "alg none": none, "garbage": "abc"} {
		if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%s: expected invalid token, got %v", name, err)
		}
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v := NewVerifier("s3cret", "", time.Minute)
	claims := &Claims{Role: RoleClient, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "c1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiry rejection, got %v", err)
	}
}

func TestFromRequest(t *testing.T) {
	v := NewVerifier("s3cret", "", time.Minute)
	tok, _ := v.Issue("c1", RoleClient)

	r := httptest.NewRequest("GET", "/api/v1/rides", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	if id, err := v.FromRequest(r); err != nil || id.ID != "c1" {
		t.Fatalf("header: %+v %v", id, err)
	}

	r = httptest.NewRequest("GET", "/ws?access_token="+tok, nil)
	if id, err := v.FromRequest(r); err != nil || id.Role != RoleClient {
		t.Fatalf("query: %+v %v", id, err)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if _, err := v.FromRequest(r); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{ID: "d1", Role: RoleDriver})
	id, ok := FromContext(ctx)
	if !ok || id.ID != "d1" {
		t.Fatalf("got %+v %v", id, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context should have no identity")
	}
}
