package api

import (
	"context"

	"iptracker/internal/models"
	"iptracker/internal/service"
)

// BlocklistProvider defines the interface for blocklist operations
type BlocklistProvider interface {
	Block(ctx context.Context, ip, reason string, actor service.Actor) (models.BlockedIP, bool, error)
	Unblock(ctx context.Context, ip string, actor service.Actor) error
	List(ctx context.Context) ([]models.BlockedIP, error)
	IsBlocked(ctx context.Context, ip string) bool
}

// AuthServiceProvider defines the interface for Auth operations
type AuthServiceProvider interface {
	CheckAuth(ctx context.Context, username, password string) (*models.AdminAccount, bool)
	AuthenticateToken(ctx context.Context, raw string) (*models.AdminAccount, error)
	CreateToken(ctx context.Context, username, name string) (string, error)
}

// PostgresRepositoryProvider defines the Postgres reads and writes the handlers need
type PostgresRepositoryProvider interface {
	Ping(ctx context.Context) error
	RecentLogsByIP(ctx context.Context, ip string, limit int) ([]models.RequestLogEntry, error)
	ListSuspicious(ctx context.Context, f models.SuspiciousFilter) ([]models.SuspiciousIP, error)
	MarkInvestigated(ctx context.Context, ids []int64) (int64, error)
	GetAdmin(ctx context.Context, username string) (*models.AdminAccount, error)
	LogAction(ctx context.Context, actor, action, target, reason string) error
	GetAuditLogs(ctx context.Context, limit int) ([]models.AuditLog, error)
}

// RedisPinger reports Redis health
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// RateChecker defines the interface for the request rate limiter
type RateChecker interface {
	Check(ctx context.Context, policy, key string) (service.RateDecision, error)
}

// SweepTrigger starts an anomaly sweep outside of its schedule
type SweepTrigger interface {
	TriggerSweep(ctx context.Context) error
}
