package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/web-casa/casastack/internal/apperr"
	"github.com/web-casa/casastack/internal/database"
	"github.com/web-casa/casastack/internal/settings"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	svc := NewService(db, settings.NewStore(db), nil)
	t.Cleanup(svc.Close)
	return svc
}

func TestSetupAndLogin(t *testing.T) {
	svc := setupTestService(t)

	need, err := svc.NeedSetup()
	if err != nil || !need {
		t.Fatalf("fresh install must need setup: %v %v", need, err)
	}
	if _, err := svc.Setup("admin", "weak"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("weak password must be rejected, got %v", err)
	}
	user, err := svc.Setup("admin", "secret123")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !user.IsAdmin {
		t.Error("first user must be admin")
	}
	if _, err := svc.Setup("other", "secret123"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("second setup must fail, got %v", err)
	}

	token, got, err := svc.Login("10.0.0.1", "admin", "secret123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("login returned user %d", got.ID)
	}
	byToken, err := svc.UserByToken(token)
	if err != nil || byToken.Username != "admin" {
		t.Fatalf("token lookup: %v %v", byToken, err)
	}
}

func TestLoginRateLimited(t *testing.T) {
	svc := setupTestService(t)
	if _, err := svc.Setup("admin", "secret123"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := svc.Login("10.0.0.2", "admin", "wrong1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, _, err := svc.Login("10.0.0.2", "admin", "wrong2"); err != nil && !errors.Is(err, apperr.ErrValidation) && !errors.Is(err, apperr.ErrBusy) {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now()
	svc.limiter.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		svc.limiter.RecordFail("10.0.0.3")
	}
	if _, _, err := svc.Login("10.0.0.3", "admin", "secret123"); !errors.Is(err, apperr.ErrBusy) {
		t.Fatalf("locked out client must be rejected, got %v", err)
	}
	if _, _, err := svc.Login("10.0.0.4", "admin", "secret123"); err != nil {
		t.Fatalf("other clients are unaffected: %v", err)
	}
}

func TestResetPasswordInvalidatesTokens(t *testing.T) {
	svc := setupTestService(t)
	if _, err := svc.Setup("admin", "secret123"); err != nil {
		t.Fatal(err)
	}
	token, _, err := svc.Login("10.0.0.5", "admin", "secret123")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ResetPassword("", "newpass456"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := svc.UserByToken(token); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("old token must be rejected, got %v", err)
	}
	if _, _, err := svc.Login("10.0.0.5", "admin", "newpass456"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := setupTestService(t)
	if _, err := svc.Setup("admin", "secret123"); err != nil {
		t.Fatal(err)
	}
	token, _, err := svc.Login("10.0.0.6", "admin", "secret123")
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	r.GET("/p", Middleware(svc), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": c.GetString("username")})
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/p", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		r.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s: status %d, want %d", tt.name, w.Code, tt.want)
		}
	}
}

func TestRateLimiterBackoff(t *testing.T) {
	rl := NewRateLimiter(3, 60)
	defer rl.Stop()
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.RecordFail("a")
	if ok, _ := rl.Check("a"); ok {
		t.Fatal("must wait after a failure")
	}
	now = now.Add(2 * time.Second)
	if ok, _ := rl.Check("a"); !ok {
		t.Fatal("backoff must expire")
	}
	rl.RecordFail("a")
	rl.RecordFail("a")
	now = now.Add(30 * time.Second)
	if ok, wait := rl.Check("a"); ok || wait <= 0 {
		t.Fatalf("max attempts must lock out, got ok=%v wait=%d", ok, wait)
	}
	now = now.Add(time.Minute)
	if ok, _ := rl.Check("a"); !ok {
		t.Fatal("window must reset")
	}
}
