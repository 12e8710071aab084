package federation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemConfigStore is an in-memory ConfigStore for tests and single-node
// development setups.
type MemConfigStore struct {
	mu      sync.RWMutex
	configs map[string]ProviderConfig
}

func NewMemConfigStore() *MemConfigStore {
	return &MemConfigStore{configs: make(map[string]ProviderConfig)}
}

func configKey(tenantID, protocol, provider string) string {
	return tenantID + "/" + protocol + "/" + provider
}

func (s *MemConfigStore) List(_ context.Context, tenantID string) ([]ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ProviderConfig
	for _, c := range s.configs {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

func (s *MemConfigStore) Get(_ context.Context, tenantID, protocol, provider string) (*ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[configKey(tenantID, protocol, provider)]
	if !ok {
		return nil, ErrConfigNotFound
	}
	out := c
	return &out, nil
}

func (s *MemConfigStore) Upsert(_ context.Context, cfg *ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := configKey(cfg.TenantID, cfg.Protocol, cfg.Provider)
	now := time.Now()
	if existing, ok := s.configs[key]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	s.configs[key] = *cfg
	return nil
}

func (s *MemConfigStore) Delete(_ context.Context, tenantID, protocol, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := configKey(tenantID, protocol, provider)
	if _, ok := s.configs[key]; !ok {
		return ErrConfigNotFound
	}
	delete(s.configs, key)
	return nil
}
