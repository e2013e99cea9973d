package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"iptracker/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("not found")

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(url string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

// Request logs

func (p *PostgresRepository) InsertRequestLog(ctx context.Context, e models.RequestLogEntry) error {
	_, err := p.db.ExecContext(ctx,
		"INSERT INTO request_logs (ip, timestamp, path, country, city) VALUES ($1, $2, $3, $4, $5)",
		e.IP, e.Timestamp, e.Path, e.Country, e.City)
	return err
}

func (p *PostgresRepository) CountRequestsByIP(ctx context.Context, since time.Time, minCount int) ([]models.IPCount, error) {
	var rows []models.IPCount
	err := p.db.SelectContext(ctx, &rows,
		"SELECT ip, COUNT(*) AS count FROM request_logs WHERE timestamp >= $1 GROUP BY ip HAVING COUNT(*) > $2 ORDER BY ip",
		since, minCount)
	return rows, err
}

func (p *PostgresRepository) SensitivePathHits(ctx context.Context, since time.Time, prefixes []string) ([]models.PathHit, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}
	patterns := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		patterns = append(patterns, likeEscape(prefix)+"%")
	}
	var rows []models.PathHit
	err := p.db.SelectContext(ctx, &rows,
		"SELECT ip, path, COUNT(*) AS count FROM request_logs WHERE timestamp >= $1 AND path LIKE ANY($2::text[]) GROUP BY ip, path ORDER BY ip, path",
		since, patterns)
	return rows, err
}

func (p *PostgresRepository) RecentLogsByIP(ctx context.Context, ip string, limit int) ([]models.RequestLogEntry, error) {
	var rows []models.RequestLogEntry
	err := p.db.SelectContext(ctx, &rows,
		"SELECT id, ip, timestamp, path, country, city FROM request_logs WHERE ip = $1 ORDER BY timestamp DESC LIMIT $2",
		ip, limit)
	return rows, err
}

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeEscape(s string) string {
	return likeReplacer.Replace(s)
}

// Blocklist

// UpsertBlockedIP inserts or refreshes the reason of a blocked IP. created reports
// whether the row did not exist before.
func (p *PostgresRepository) UpsertBlockedIP(ctx context.Context, b models.BlockedIP) (models.BlockedIP, bool, error) {
	var row struct {
		models.BlockedIP
		Inserted bool `db:"inserted"`
	}
	err := p.db.GetContext(ctx, &row,
		`INSERT INTO blocked_ips (ip, blocked_at, reason) VALUES ($1, $2, $3)
		 ON CONFLICT (ip) DO UPDATE SET reason = EXCLUDED.reason
		 RETURNING ip, blocked_at, reason, (xmax = 0) AS inserted`,
		b.IP, b.BlockedAt, b.Reason)
	if err != nil {
		return models.BlockedIP{}, false, err
	}
	return row.BlockedIP, row.Inserted, nil
}

func (p *PostgresRepository) DeleteBlockedIP(ctx context.Context, ip string) error {
	res, err := p.db.ExecContext(ctx, "DELETE FROM blocked_ips WHERE ip = $1", ip)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepository) GetBlockedIP(ctx context.Context, ip string) (*models.BlockedIP, error) {
	var b models.BlockedIP
	err := p.db.GetContext(ctx, &b, "SELECT ip, blocked_at, reason FROM blocked_ips WHERE ip = $1", ip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *PostgresRepository) ListBlockedIPs(ctx context.Context) ([]models.BlockedIP, error) {
	var rows []models.BlockedIP
	err := p.db.SelectContext(ctx, &rows, "SELECT ip, blocked_at, reason FROM blocked_ips ORDER BY blocked_at DESC")
	return rows, err
}

// Suspicious IPs

type suspiciousRow struct {
	models.SuspiciousIP
	DetailsJSON []byte `db:"details"`
}

// InsertSuspiciousIfAbsent inserts rec unless a record with the same ip and reason
// was detected after since. The check and the insert run under a transaction
// scoped advisory lock on (ip, reason), so concurrent sweeps cannot both insert.
func (p *PostgresRepository) InsertSuspiciousIfAbsent(ctx context.Context, rec models.SuspiciousIP, since time.Time) (bool, error) {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return false, fmt.Errorf("marshal details: %w", err)
	}
	if rec.Details == nil {
		details = []byte("{}")
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", rec.IP+"|"+string(rec.Reason)); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO suspicious_ips (ip, reason, detected_at, request_count, is_investigated, details)
		 SELECT $1, $2, $3, $4, FALSE, $5::jsonb
		 WHERE NOT EXISTS (
		     SELECT 1 FROM suspicious_ips WHERE ip = $1 AND reason = $2 AND detected_at > $6
		 )`,
		rec.IP, string(rec.Reason), rec.DetectedAt, rec.RequestCount, string(details), since)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresRepository) ListSuspicious(ctx context.Context, f models.SuspiciousFilter) ([]models.SuspiciousIP, error) {
	query := "SELECT id, ip, reason, detected_at, request_count, is_investigated, details FROM suspicious_ips WHERE 1=1"
	args := []interface{}{}
	if f.IP != "" {
		args = append(args, f.IP)
		query += fmt.Sprintf(" AND ip = $%d", len(args))
	}
	if f.Reason != "" {
		args = append(args, string(f.Reason))
		query += fmt.Sprintf(" AND reason = $%d", len(args))
	}
	if f.Investigated != nil {
		args = append(args, *f.Investigated)
		query += fmt.Sprintf(" AND is_investigated = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY detected_at DESC, id DESC LIMIT $%d", len(args))

	var rows []suspiciousRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]models.SuspiciousIP, 0, len(rows))
	for _, r := range rows {
		rec := r.SuspiciousIP
		if len(r.DetailsJSON) > 0 {
			_ = json.Unmarshal(r.DetailsJSON, &rec.Details)
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkInvestigated flags the given records as reviewed and returns how many changed.
func (p *PostgresRepository) MarkInvestigated(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := p.db.ExecContext(ctx,
		"UPDATE suspicious_ips SET is_investigated = TRUE WHERE id = ANY($1::bigint[]) AND is_investigated = FALSE", ids)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Admins and tokens

func (p *PostgresRepository) GetAdmin(ctx context.Context, username string) (*models.AdminAccount, error) {
	var admin models.AdminAccount
	err := p.db.GetContext(ctx, &admin, "SELECT username, password_hash, role FROM admins WHERE username = $1", username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &admin, nil
}

func (p *PostgresRepository) CreateAdmin(ctx context.Context, admin models.AdminAccount) error {
	if admin.Role == "" {
		admin.Role = "viewer"
	}
	_, err := p.db.NamedExecContext(ctx, "INSERT INTO admins (username, password_hash, role) VALUES (:username, :password_hash, :role)", admin)
	return err
}

func (p *PostgresRepository) CreateAPIToken(ctx context.Context, token models.APIToken) error {
	_, err := p.db.NamedExecContext(ctx, "INSERT INTO api_tokens (token_hash, name, username) VALUES (:token_hash, :name, :username)", token)
	return err
}

func (p *PostgresRepository) GetAPITokenByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	var token models.APIToken
	err := p.db.GetContext(ctx, &token, "SELECT id, token_hash, name, username, created_at, last_used FROM api_tokens WHERE token_hash = $1", hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (p *PostgresRepository) UpdateTokenLastUsed(ctx context.Context, id int) error {
	_, err := p.db.ExecContext(ctx, "UPDATE api_tokens SET last_used = NOW() WHERE id = $1", id)
	return err
}

// Audit

func (p *PostgresRepository) LogAction(ctx context.Context, actor, action, target, reason string) error {
	_, err := p.db.ExecContext(ctx, "INSERT INTO audit_logs (actor, action, target, reason) VALUES ($1, $2, $3, $4)", actor, action, target, reason)
	return err
}

func (p *PostgresRepository) GetAuditLogs(ctx context.Context, limit int) ([]models.AuditLog, error) {
	var logs []models.AuditLog
	err := p.db.SelectContext(ctx, &logs, "SELECT id, timestamp, actor, action, target, reason FROM audit_logs ORDER BY timestamp DESC LIMIT $1", limit)
	return logs, err
}
