package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"iptracker/internal/models"
	"iptracker/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// memStore is an in-memory stand-in for PostgresRepository.
type memStore struct {
	mu         sync.Mutex
	logs       []models.RequestLogEntry
	blocked    map[string]models.BlockedIP
	suspicious []models.SuspiciousIP
	admins     map[string]models.AdminAccount
	tokens     map[string]models.APIToken
	audit      []models.AuditLog

	logErr    error
	countErr  error
	insertErr error
	getCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		blocked: map[string]models.BlockedIP{},
		admins:  map[string]models.AdminAccount{},
		tokens:  map[string]models.APIToken{},
	}
}

func (m *memStore) InsertRequestLog(_ context.Context, e models.RequestLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logErr != nil {
		return m.logErr
	}
	e.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, e)
	return nil
}

func (m *memStore) addLogs(ip, path string, n int, at time.Time) {
	for i := 0; i < n; i++ {
		_ = m.InsertRequestLog(context.Background(), models.RequestLogEntry{IP: ip, Path: path, Timestamp: at})
	}
}

func (m *memStore) CountRequestsByIP(_ context.Context, since time.Time, minCount int) ([]models.IPCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return nil, m.countErr
	}
	counts := map[string]int{}
	for _, l := range m.logs {
		if !l.Timestamp.Before(since) {
			counts[l.IP]++
		}
	}
	var out []models.IPCount
	for ip, c := range counts {
		if c > minCount {
			out = append(out, models.IPCount{IP: ip, Count: c})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (m *memStore) SensitivePathHits(_ context.Context, since time.Time, prefixes []string) ([]models.PathHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct{ ip, path string }
	counts := map[key]int{}
	for _, l := range m.logs {
		if l.Timestamp.Before(since) {
			continue
		}
		for _, p := range prefixes {
			if strings.HasPrefix(l.Path, p) {
				counts[key{l.IP, l.Path}]++
				break
			}
		}
	}
	var out []models.PathHit
	for k, c := range counts {
		out = append(out, models.PathHit{IP: k.ip, Path: k.path, Count: c})
	}
	return out, nil
}

func (m *memStore) InsertSuspiciousIfAbsent(_ context.Context, rec models.SuspiciousIP, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return false, m.insertErr
	}
	for _, s := range m.suspicious {
		if s.IP == rec.IP && s.Reason == rec.Reason && s.DetectedAt.After(since) {
			return false, nil
		}
	}
	rec.ID = int64(len(m.suspicious) + 1)
	m.suspicious = append(m.suspicious, rec)
	return true, nil
}

func (m *memStore) UpsertBlockedIP(_ context.Context, b models.BlockedIP) (models.BlockedIP, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.blocked[b.IP]; ok {
		existing.Reason = b.Reason
		m.blocked[b.IP] = existing
		return existing, false, nil
	}
	m.blocked[b.IP] = b
	return b, true, nil
}

func (m *memStore) DeleteBlockedIP(_ context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocked[ip]; !ok {
		return repository.ErrNotFound
	}
	delete(m.blocked, ip)
	return nil
}

func (m *memStore) GetBlockedIP(_ context.Context, ip string) (*models.BlockedIP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	b, ok := m.blocked[ip]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

func (m *memStore) ListBlockedIPs(_ context.Context) ([]models.BlockedIP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.BlockedIP, 0, len(m.blocked))
	for _, b := range m.blocked {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockedAt.After(out[j].BlockedAt) })
	return out, nil
}

func (m *memStore) LogAction(_ context.Context, actor, action, target, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{Actor: actor, Action: action, Target: target, Reason: reason})
	return nil
}

func (m *memStore) GetAdmin(_ context.Context, username string) (*models.AdminAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admins[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &a, nil
}

func (m *memStore) CreateAdmin(_ context.Context, admin models.AdminAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.admins[admin.Username]; ok {
		return errors.New("duplicate admin")
	}
	m.admins[admin.Username] = admin
	return nil
}

func (m *memStore) CreateAPIToken(_ context.Context, token models.APIToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token.ID = len(m.tokens) + 1
	m.tokens[token.TokenHash] = token
	return nil
}

func (m *memStore) GetAPITokenByHash(_ context.Context, hash string) (*models.APIToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &t, nil
}

func (m *memStore) UpdateTokenLastUsed(_ context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, t := range m.tokens {
		if t.ID == id {
			t.LastUsed = &now
			m.tokens[k] = t
		}
	}
	return nil
}

type recordedEvent struct {
	action string
	data   interface{}
}

type recordingBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *recordingBus) Publish(_ context.Context, ev models.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{ev.Action, ev.Data})
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context) *redis.PubSub {
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event string, _ interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func newTestRedis(t *testing.T) (*repository.RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return repository.NewRedisRepositoryFromClient(client), mr
}
