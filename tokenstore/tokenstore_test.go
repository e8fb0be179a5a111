package tokenstore

import (
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mnehpets/storefront/middleware"
)

func TestNewToken_ExpiryArithmetic(t *testing.T) {
	issued := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tok := NewToken("AT", "RT", "", 3600, issued)
	if !tok.ExpiresAt.Equal(issued.Add(time.Hour)) {
		t.Fatalf("ExpiresAt: got %v want %v", tok.ExpiresAt, issued.Add(time.Hour))
	}
	if tok.ExpiresIn != 3600 {
		t.Fatalf("ExpiresIn: got %d want 3600", tok.ExpiresIn)
	}

	ctx := context.Background()
	s := NewMemory()
	if IsAuthenticated(ctx, s, issued) {
		t.Fatalf("empty store should not be authenticated")
	}
	if err := s.Store(ctx, tok); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !IsAuthenticated(ctx, s, issued.Add(3599*time.Second)) {
		t.Errorf("should be authenticated at T+3599s")
	}
	if IsAuthenticated(ctx, s, issued.Add(3600*time.Second)) {
		t.Errorf("should not be authenticated exactly at expiry")
	}
	if IsAuthenticated(ctx, s, issued.Add(3601*time.Second)) {
		t.Errorf("should not be authenticated at T+3601s")
	}
}

func TestToken_ExpiresWithin(t *testing.T) {
	now := time.Now()
	tok := NewToken("AT", "RT", "", 240, now)
	if !tok.ExpiresWithin(now, 5*time.Minute) {
		t.Errorf("token expiring in 4m should be within 5m")
	}
	tok = NewToken("AT", "RT", "", 600, now)
	if tok.ExpiresWithin(now, 5*time.Minute) {
		t.Errorf("token expiring in 10m should not be within 5m")
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := s.Read(ctx); err != nil || ok {
		t.Fatalf("Read on empty store: ok=%v err=%v", ok, err)
	}

	now := time.Now().Truncate(time.Second)
	first := NewToken("AT1", "RT1", "ID1", 3600, now)
	second := NewToken("AT2", "RT2", "", 1800, now)
	if err := s.Store(ctx, first); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Store(ctx, second); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, ok, err := s.Read(ctx)
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != "AT2" || got.RefreshToken != "RT2" || got.IDToken != "" || got.ExpiresIn != 1800 {
		t.Fatalf("Read: last write should win wholesale, got %+v", got)
	}
	if !got.ExpiresAt.Equal(second.ExpiresAt) {
		t.Fatalf("ExpiresAt: got %v want %v", got.ExpiresAt, second.ExpiresAt)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	if _, ok, _ := s.Read(ctx); ok {
		t.Fatalf("Read after Clear should be absent")
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFile(t *testing.T) {
	exerciseStore(t, NewFile(filepath.Join(t.TempDir(), "nested", "token.json")))
}

func TestFile_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	path := filepath.Join(t.TempDir(), "token.json")
	s := NewFile(path)
	if err := s.Store(context.Background(), NewToken("AT", "RT", "", 60, time.Now())); err != nil {
		t.Fatalf("Store: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Fatalf("permissions: got %o want 600", perm)
	}
}

func TestFile_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ctx := context.Background()
	s := NewFile(path)
	if _, _, err := s.Read(ctx); err == nil {
		t.Fatalf("expected decode error")
	}
	if IsAuthenticated(ctx, s, time.Now()) {
		t.Fatalf("corrupt file should not be authenticated")
	}
}

func waitNotify(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatalf("watch channel closed early")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change notification")
	}
}

func TestMemory_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemory()
	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := s.Store(ctx, NewToken("AT", "RT", "", 60, time.Now())); err != nil {
		t.Fatalf("Store: %v", err)
	}
	waitNotify(t, ch)
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	waitNotify(t, ch)

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// A buffered notification may precede the close.
			if _, ok := <-ch; ok {
				t.Fatalf("channel should close after cancel")
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestFile_WatchSeesOtherWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := NewFile(path)
	ch, err := watcher.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	// A second File on the same path stands in for another process.
	writer := NewFile(path)
	if err := writer.Store(ctx, NewToken("AT", "RT", "", 60, time.Now())); err != nil {
		t.Fatalf("Store: %v", err)
	}
	waitNotify(t, ch)

	tok, ok, err := watcher.Read(ctx)
	if err != nil || !ok || tok.AccessToken != "AT" {
		t.Fatalf("Read after notify: %+v ok=%v err=%v", tok, ok, err)
	}

	if err := writer.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	waitNotify(t, ch)
}

func TestFile_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "token.json"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	select {
	case <-ch:
		t.Fatalf("unexpected notification for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCookieStore(t *testing.T) {
	key := make([]byte, middleware.DefaultAEADKeysize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	cs, err := NewCookieStore("k1", map[string][]byte{"k1": key}, 0, middleware.WithSecure(false))
	if err != nil {
		t.Fatalf("NewCookieStore: %v", err)
	}

	exerciseStore(t, cs.Bind(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil)))

	w := httptest.NewRecorder()
	ctx := context.Background()
	tok := NewToken("AT", "RT", "ID", 3600, time.Now().Truncate(time.Second))
	if err := cs.Bind(w, httptest.NewRequest(http.MethodGet, "/", nil)).Store(ctx, tok); err != nil {
		t.Fatalf("Store: %v", err)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies: got %d want 1", len(cookies))
	}
	if cookies[0].MaxAge != int(DefaultCookieMaxAge.Seconds()) {
		t.Fatalf("MaxAge: got %d want %d", cookies[0].MaxAge, int(DefaultCookieMaxAge.Seconds()))
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(cookies[0])
	got, ok, err := cs.Bind(httptest.NewRecorder(), r).Read(ctx)
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != "AT" || got.IDToken != "ID" || !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("Read: got %+v want %+v", got, tok)
	}
}
