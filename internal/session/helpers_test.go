package session

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/database/testutil"
)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

type cookieRecorder struct {
	cookies []*http.Cookie
}

func (r *cookieRecorder) SetCookie(cookie *http.Cookie) {
	r.cookies = append(r.cookies, cookie)
}

func (r *cookieRecorder) last() *http.Cookie {
	if len(r.cookies) == 0 {
		return nil
	}
	return r.cookies[len(r.cookies)-1]
}

func setupStore(t *testing.T, cfg StoreConfig) (*gorm.DB, *Store, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newTestClock()
	cfg.Clock = clock.Now

	store, err := NewStore(db, cfg)
	require.NoError(t, err)
	return db, store, clock
}
