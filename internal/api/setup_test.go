package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"iptracker/internal/config"
	"iptracker/internal/models"
	"iptracker/internal/service"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
)

const testToken = "test-token"

// MockBlocklist implements BlocklistProvider
type MockBlocklist struct {
	mock.Mock
}

func (m *MockBlocklist) Block(ctx context.Context, ip, reason string, actor service.Actor) (models.BlockedIP, bool, error) {
	args := m.Called(ctx, ip, reason, actor)
	return args.Get(0).(models.BlockedIP), args.Bool(1), args.Error(2)
}

func (m *MockBlocklist) Unblock(ctx context.Context, ip string, actor service.Actor) error {
	args := m.Called(ctx, ip, actor)
	return args.Error(0)
}

func (m *MockBlocklist) List(ctx context.Context) ([]models.BlockedIP, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.BlockedIP), args.Error(1)
}

func (m *MockBlocklist) IsBlocked(ctx context.Context, ip string) bool {
	args := m.Called(ctx, ip)
	return args.Bool(0)
}

// MockAuthService implements AuthServiceProvider
type MockAuthService struct {
	mock.Mock
}

func (m *MockAuthService) CheckAuth(ctx context.Context, username, password string) (*models.AdminAccount, bool) {
	args := m.Called(ctx, username, password)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).(*models.AdminAccount), args.Bool(1)
}

func (m *MockAuthService) AuthenticateToken(ctx context.Context, raw string) (*models.AdminAccount, error) {
	args := m.Called(ctx, raw)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AdminAccount), args.Error(1)
}

func (m *MockAuthService) CreateToken(ctx context.Context, username, name string) (string, error) {
	args := m.Called(ctx, username, name)
	return args.String(0), args.Error(1)
}

// MockPostgresRepo implements PostgresRepositoryProvider
type MockPostgresRepo struct {
	mock.Mock
}

func (m *MockPostgresRepo) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockPostgresRepo) RecentLogsByIP(ctx context.Context, ip string, limit int) ([]models.RequestLogEntry, error) {
	args := m.Called(ctx, ip, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.RequestLogEntry), args.Error(1)
}

func (m *MockPostgresRepo) ListSuspicious(ctx context.Context, f models.SuspiciousFilter) ([]models.SuspiciousIP, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.SuspiciousIP), args.Error(1)
}

func (m *MockPostgresRepo) MarkInvestigated(ctx context.Context, ids []int64) (int64, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPostgresRepo) GetAdmin(ctx context.Context, username string) (*models.AdminAccount, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AdminAccount), args.Error(1)
}

func (m *MockPostgresRepo) LogAction(ctx context.Context, actor, action, target, reason string) error {
	args := m.Called(ctx, actor, action, target, reason)
	return args.Error(0)
}

func (m *MockPostgresRepo) GetAuditLogs(ctx context.Context, limit int) ([]models.AuditLog, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AuditLog), args.Error(1)
}

// MockPinger implements RedisPinger
type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockRateChecker implements RateChecker
type MockRateChecker struct {
	mock.Mock
}

func (m *MockRateChecker) Check(ctx context.Context, policy, key string) (service.RateDecision, error) {
	args := m.Called(ctx, policy, key)
	return args.Get(0).(service.RateDecision), args.Error(1)
}

// MockSweepTrigger implements SweepTrigger
type MockSweepTrigger struct {
	mock.Mock
}

func (m *MockSweepTrigger) TriggerSweep(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func setupTest() (*APIHandler, *MockPostgresRepo, *MockAuthService, *MockBlocklist) {
	gin.SetMode(gin.TestMode)
	pg := new(MockPostgresRepo)
	auth := new(MockAuthService)
	bl := new(MockBlocklist)
	h := NewAPIHandler(&config.Config{MetricsAllowedIPs: "127.0.0.1"}, nil, pg, auth, bl, nil)
	return h, pg, auth, bl
}

// newTestRouter mounts every route behind a cookie session store.
func newTestRouter(h *APIHandler) *gin.Engine {
	return newTestRouterWith(h)
}

func newTestRouterWith(h *APIHandler, middleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(middleware...)
	r.Use(sessions.Sessions("iptracker_session", cookie.NewStore([]byte("test-secret"))))
	h.RegisterRoutes(r)
	return r
}

// asAdmin makes testToken authenticate as an admin account.
func asAdmin(auth *MockAuthService, username string) {
	auth.On("AuthenticateToken", mock.Anything, testToken).
		Return(&models.AdminAccount{Username: username, Role: "admin"}, nil)
}

func doRequest(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testToken}
}
