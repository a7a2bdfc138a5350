package auth

import (
	"testing"
)

func TestHashServiceKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "simple key", key: "svc_live_123"},
		{name: "symbols", key: "P@ssw0rd!@#$%^&*()"},
		{name: "long key", key: "this-is-a-very-long-service-key-with-many-characters-1234567890"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := HashServiceKey(tt.key)
			if err != nil {
				t.Fatalf("HashServiceKey() error = %v", err)
			}
			if hash == tt.key {
				t.Error("HashServiceKey() returned the plaintext")
			}

			ok, err := CheckServiceKey(hash, tt.key)
			if err != nil || !ok {
				t.Errorf("CheckServiceKey() = %v, %v, want true", ok, err)
			}

			ok, err = CheckServiceKey(hash, tt.key+"x")
			if err != nil || ok {
				t.Errorf("CheckServiceKey(wrong) = %v, %v, want false", ok, err)
			}
		})
	}
}

func TestCheckServiceKey_MalformedHash(t *testing.T) {
	if _, err := CheckServiceKey("not-a-bcrypt-hash", "key"); err == nil {
		t.Error("CheckServiceKey() error = nil, want error")
	}
}
