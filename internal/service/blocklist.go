package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"iptracker/internal/metrics"
	"iptracker/internal/models"
	"iptracker/internal/repository"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

var (
	ErrInvalidIP  = errors.New("invalid IP address")
	ErrNotBlocked = errors.New("IP is not in the blacklist")
)

const (
	EventBlock      = "block"
	EventUnblock    = "unblock"
	EventSuspicious = "suspicious"
)

// Actor identifies who changed the blocklist. Source is a low cardinality
// label such as "api" or "cli".
type Actor struct {
	Name   string
	Source string
}

type BlockStore interface {
	UpsertBlockedIP(ctx context.Context, b models.BlockedIP) (models.BlockedIP, bool, error)
	DeleteBlockedIP(ctx context.Context, ip string) error
	GetBlockedIP(ctx context.Context, ip string) (*models.BlockedIP, error)
	ListBlockedIPs(ctx context.Context) ([]models.BlockedIP, error)
	LogAction(ctx context.Context, actor, action, target, reason string) error
}

type BlockMirror interface {
	SetBlocked(ctx context.Context, b models.BlockedIP) error
	RemoveBlocked(ctx context.Context, ip string) error
	IsBlocked(ctx context.Context, ip string) (bool, error)
	GetBlockedIPs(ctx context.Context) (map[string]models.BlockedIP, error)
}

type EventBus interface {
	Publish(ctx context.Context, ev models.Event) error
	Subscribe(ctx context.Context) *redis.PubSub
}

type BlocklistService struct {
	store  BlockStore
	mirror BlockMirror
	events EventBus

	syncMu     sync.Mutex
	bloomMu    sync.RWMutex
	filter     *bloom.BloomFilter
	rebuilding bool
	pending    []string
}

func newBloom() *bloom.BloomFilter {
	return bloom.NewWithEstimates(1000000, 0.01)
}

// NewBlocklistService returns a service with an empty filter; call Sync to
// load the current blocklist. mirror and events may be nil.
func NewBlocklistService(store BlockStore, mirror BlockMirror, events EventBus) *BlocklistService {
	return &BlocklistService{
		store:  store,
		mirror: mirror,
		events: events,
		filter: newBloom(),
	}
}

func (s *BlocklistService) Block(ctx context.Context, ip, reason string, actor Actor) (models.BlockedIP, bool, error) {
	canon, ok := CanonicalIP(ip)
	if !ok {
		return models.BlockedIP{}, false, ErrInvalidIP
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}

	b, created, err := s.store.UpsertBlockedIP(ctx, models.BlockedIP{
		IP:        canon,
		BlockedAt: time.Now().UTC(),
		Reason:    reason,
	})
	if err != nil {
		return models.BlockedIP{}, false, err
	}

	if s.mirror != nil {
		if err := s.mirror.SetBlocked(ctx, b); err != nil {
			zlog.Warn().Err(err).Str("ip", canon).Msg("Failed to mirror block into Redis")
		}
	}
	s.addToFilter(canon)

	action := "BLOCK"
	if !created {
		action = "REBLOCK"
	}
	if err := s.store.LogAction(ctx, actor.Name, action, canon, reason); err != nil {
		zlog.Error().Err(err).Str("ip", canon).Msg("Failed to write audit log")
	}
	s.publish(ctx, EventBlock, b)

	metrics.MetricBlocksTotal.WithLabelValues(actor.Source).Inc()
	zlog.Info().Str("ip", canon).Str("reason", reason).Str("actor", actor.Name).Bool("created", created).Msg("IP blocked")
	return b, created, nil
}

func (s *BlocklistService) Unblock(ctx context.Context, ip string, actor Actor) error {
	canon, ok := CanonicalIP(ip)
	if !ok {
		return ErrInvalidIP
	}

	if err := s.store.DeleteBlockedIP(ctx, canon); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotBlocked
		}
		return err
	}

	if s.mirror != nil {
		if err := s.mirror.RemoveBlocked(ctx, canon); err != nil {
			zlog.Warn().Err(err).Str("ip", canon).Msg("Failed to remove block from Redis")
		}
	}
	if err := s.store.LogAction(ctx, actor.Name, "UNBLOCK", canon, ""); err != nil {
		zlog.Error().Err(err).Str("ip", canon).Msg("Failed to write audit log")
	}
	s.publish(ctx, EventUnblock, map[string]string{"ip": canon})

	// Bloom filters cannot remove members.
	if err := s.Sync(ctx); err != nil {
		zlog.Warn().Err(err).Msg("Bloom filter rebuild after unblock failed")
	}

	metrics.MetricUnblocksTotal.WithLabelValues(actor.Source).Inc()
	zlog.Info().Str("ip", canon).Str("actor", actor.Name).Msg("IP unblocked")
	return nil
}

func (s *BlocklistService) List(ctx context.Context) ([]models.BlockedIP, error) {
	list, err := s.store.ListBlockedIPs(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.BlockedIP{}
	}
	return list, nil
}

// IsBlocked answers false on a bloom filter miss. Positives are confirmed in
// the Redis mirror, or in Postgres when Redis is unavailable.
func (s *BlocklistService) IsBlocked(ctx context.Context, ip string) bool {
	canon, ok := CanonicalIP(ip)
	if !ok {
		return false
	}

	s.bloomMu.RLock()
	maybe := s.filter.TestString(canon)
	s.bloomMu.RUnlock()
	if !maybe {
		return false
	}

	if s.mirror != nil {
		blocked, err := s.mirror.IsBlocked(ctx, canon)
		if err == nil {
			return blocked
		}
		zlog.Warn().Err(err).Str("ip", canon).Msg("Redis blocklist check failed, falling back to Postgres")
	}

	_, err := s.store.GetBlockedIP(ctx, canon)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		zlog.Error().Err(err).Str("ip", canon).Msg("Postgres blocklist check failed")
	}
	return err == nil
}

func (s *BlocklistService) addToFilter(ip string) {
	s.bloomMu.Lock()
	defer s.bloomMu.Unlock()
	s.filter.AddString(ip)
	if s.rebuilding {
		s.pending = append(s.pending, ip)
	}
}

// Sync rebuilds the bloom filter from Postgres and reconciles the Redis
// mirror with it. Blocks recorded while the rebuild is in flight are kept.
func (s *BlocklistService) Sync(ctx context.Context) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	s.bloomMu.Lock()
	s.rebuilding = true
	s.pending = nil
	s.bloomMu.Unlock()

	list, err := s.store.ListBlockedIPs(ctx)
	if err != nil {
		s.bloomMu.Lock()
		s.rebuilding = false
		s.pending = nil
		s.bloomMu.Unlock()
		return err
	}

	f := newBloom()
	for _, b := range list {
		f.AddString(b.IP)
	}

	s.bloomMu.Lock()
	for _, ip := range s.pending {
		f.AddString(ip)
	}
	s.filter = f
	s.rebuilding = false
	s.pending = nil
	s.bloomMu.Unlock()

	if s.mirror != nil {
		s.reconcileMirror(ctx, list)
	}
	zlog.Debug().Int("count", len(list)).Msg("Blocklist synchronized")
	return nil
}

func (s *BlocklistService) reconcileMirror(ctx context.Context, list []models.BlockedIP) {
	mirrored, err := s.mirror.GetBlockedIPs(ctx)
	if err != nil {
		zlog.Warn().Err(err).Msg("Failed to read Redis blocklist mirror")
		return
	}
	want := make(map[string]struct{}, len(list))
	for _, b := range list {
		want[b.IP] = struct{}{}
		if _, ok := mirrored[b.IP]; !ok {
			if err := s.mirror.SetBlocked(ctx, b); err != nil {
				zlog.Warn().Err(err).Str("ip", b.IP).Msg("Failed to restore mirror entry")
			}
		}
	}
	for ip := range mirrored {
		if _, ok := want[ip]; ok {
			continue
		}
		// May have been blocked after the list was read.
		if _, err := s.store.GetBlockedIP(ctx, ip); errors.Is(err, repository.ErrNotFound) {
			if err := s.mirror.RemoveBlocked(ctx, ip); err != nil {
				zlog.Warn().Err(err).Str("ip", ip).Msg("Failed to drop stale mirror entry")
			}
		}
	}
}

// HandleEvent applies a blocklist event published by another process.
func (s *BlocklistService) HandleEvent(ctx context.Context, ev models.Event) {
	switch ev.Action {
	case EventBlock:
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return
		}
		var b models.BlockedIP
		if err := json.Unmarshal(raw, &b); err == nil && b.IP != "" {
			s.addToFilter(b.IP)
		}
	case EventUnblock:
		if err := s.Sync(ctx); err != nil {
			zlog.Warn().Err(err).Msg("Blocklist resync after unblock event failed")
		}
	}
}

// Run keeps the filter in step with other processes until ctx is done.
func (s *BlocklistService) Run(ctx context.Context, interval time.Duration) {
	var msgs <-chan *redis.Message
	if s.events != nil {
		ps := s.events.Subscribe(ctx)
		defer ps.Close()
		msgs = ps.Channel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				zlog.Error().Err(err).Msg("Periodic blocklist sync failed")
			}
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			s.HandleEvent(ctx, ev)
		}
	}
}

func (s *BlocklistService) publish(ctx context.Context, action string, data interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, models.Event{Action: action, Data: data}); err != nil {
		zlog.Warn().Err(err).Str("action", action).Msg("Failed to publish event")
	}
}
