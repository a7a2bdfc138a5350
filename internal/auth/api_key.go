package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"credit_ledger/internal/utils"
)

var (
	// ErrKeyNotFound is returned when no service key matches
	ErrKeyNotFound = errors.New("auth: service key not found")
)

// ServiceKeyRecord identifies a trusted backend caller, such as the chat
// orchestration service reporting usage.
type ServiceKeyRecord struct {
	Name    string
	Hash    string
	Revoked bool
}

// ServiceKeyStore resolves plaintext service keys into records.
type ServiceKeyStore interface {
	Lookup(ctx context.Context, plaintextKey string) (*ServiceKeyRecord, error)
}

// StaticServiceKeyStore checks keys against a fixed set of bcrypt hashes.
// Verified keys are remembered by their SHA-256 so bcrypt runs once per key.
type StaticServiceKeyStore struct {
	records []*ServiceKeyRecord

	mu       sync.RWMutex
	verified map[string]*ServiceKeyRecord
}

// NewStaticServiceKeyStore creates a store from records
func NewStaticServiceKeyStore(records ...*ServiceKeyRecord) *StaticServiceKeyStore {
	return &StaticServiceKeyStore{
		records:  records,
		verified: make(map[string]*ServiceKeyRecord),
	}
}

// ParseServiceKeys parses "name:bcrypthash" pairs separated by commas, the
// format of the SERVICE_KEYS setting.
func ParseServiceKeys(value string) ([]*ServiceKeyRecord, error) {
	var records []*ServiceKeyRecord
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, hash, ok := strings.Cut(part, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("invalid service key entry %q: want name:hash", part)
		}
		records = append(records, &ServiceKeyRecord{Name: name, Hash: hash})
	}
	return records, nil
}

func (s *StaticServiceKeyStore) Lookup(ctx context.Context, plaintextKey string) (*ServiceKeyRecord, error) {
	if plaintextKey == "" {
		return nil, ErrKeyNotFound
	}

	digest := utils.HashString(plaintextKey)
	s.mu.RLock()
	rec, ok := s.verified[digest]
	if ok {
		cp := *rec
		s.mu.RUnlock()
		return &cp, nil
	}
	s.mu.RUnlock()

	for _, candidate := range s.records {
		match, err := CheckServiceKey(candidate.Hash, plaintextKey)
		if err != nil {
			return nil, fmt.Errorf("service key %s: %w", candidate.Name, err)
		}
		if match {
			s.mu.Lock()
			s.verified[digest] = candidate
			cp := *candidate
			s.mu.Unlock()
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

// Revoke marks a key revoked by name
func (s *StaticServiceKeyStore) Revoke(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.Name == name {
			rec.Revoked = true
			return true
		}
	}
	return false
}
