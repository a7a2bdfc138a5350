package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func getTestConfig() JWTConfig {
	return JWTConfig{
		Secret:   []byte("test-secret-key-for-testing"),
		Issuer:   "https://auth.example.com",
		Audience: "credit-ledger",
	}
}

func TestGenerateAndValidateJWT(t *testing.T) {
	cfg := getTestConfig()

	token, exp, err := GenerateJWT(cfg, "user-123", []Role{RoleViewer}, 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateJWT() returned empty token")
	}
	if exp <= time.Now().Unix() {
		t.Error("GenerateJWT() expiration time is in the past")
	}

	claims, err := ValidateJWT(token, cfg)
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	if claims.UserID() != "user-123" {
		t.Errorf("claims.UserID() = %v, want user-123", claims.UserID())
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleViewer {
		t.Errorf("claims.Roles = %v, want [viewer]", claims.Roles)
	}
}

func TestValidateJWT_Rejects(t *testing.T) {
	cfg := getTestConfig()

	expired, _, _ := GenerateJWT(cfg, "user-1", nil, -time.Minute)

	otherSecret := cfg
	otherSecret.Secret = []byte("another-secret")
	forged, _, _ := GenerateJWT(otherSecret, "user-1", nil, time.Minute)

	otherIssuer := cfg
	otherIssuer.Issuer = "https://evil.example.com"
	wrongIssuer, _, _ := GenerateJWT(otherIssuer, "user-1", nil, time.Minute)

	otherAudience := cfg
	otherAudience.Audience = "another-app"
	wrongAudience, _, _ := GenerateJWT(otherAudience, "user-1", nil, time.Minute)

	noSubject, _, _ := GenerateJWT(cfg, "", nil, time.Minute)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{name: "expired", token: expired},
		{name: "wrong secret", token: forged},
		{name: "wrong issuer", token: wrongIssuer},
		{name: "wrong audience", token: wrongAudience},
		{name: "missing subject", token: noSubject},
		{name: "alg none", token: unsigned},
		{name: "garbage", token: "not-a-jwt"},
		{name: "empty", token: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateJWT(tt.token, cfg)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateJWT() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestValidateJWT_OptionalIssuerAndAudience(t *testing.T) {
	cfg := JWTConfig{Secret: []byte("secret")}

	token, _, err := GenerateJWT(cfg, "user-9", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}
	if _, err := ValidateJWT(token, cfg); err != nil {
		t.Errorf("ValidateJWT() error = %v", err)
	}
}

func TestRoles(t *testing.T) {
	if !RoleAdmin.HasPermission(RoleViewer) {
		t.Error("admin should have viewer permission")
	}
	if RoleViewer.HasPermission(RoleAdmin) {
		t.Error("viewer should not have admin permission")
	}

	if _, err := ParseRole("owner"); err == nil {
		t.Error("ParseRole(owner) error = nil, want error")
	}
	if r, err := ParseRole("viewer"); err != nil || r != RoleViewer {
		t.Errorf("ParseRole(viewer) = %v, %v", r, err)
	}

	tests := []struct {
		name     string
		roles    []Role
		required []Role
		want     bool
	}{
		{name: "admin passes admin", roles: []Role{RoleAdmin}, required: []Role{RoleAdmin}, want: true},
		{name: "admin passes viewer", roles: []Role{RoleAdmin}, required: []Role{RoleViewer}, want: true},
		{name: "viewer fails admin", roles: []Role{RoleViewer}, required: []Role{RoleAdmin}, want: false},
		{name: "any valid role", roles: []Role{RoleViewer}, want: true},
		{name: "unknown role", roles: []Role{"owner"}, want: false},
		{name: "no roles", roles: nil, required: []Role{RoleViewer}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AnyPermits(tt.roles, tt.required...); got != tt.want {
				t.Errorf("AnyPermits() = %v, want %v", got, tt.want)
			}
		})
	}
}
