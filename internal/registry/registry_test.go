package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"vitalsense/relay/internal/envelope"
	"vitalsense/relay/internal/security"
)

type fakeConn struct {
	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	pingErr   error
	closed    bool
	closeCode int
}

func (f *fakeConn) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeConn) Ping() error { return f.pingErr }

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeConn) lastSent(t *testing.T) envelope.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no frames sent")
	}
	var env envelope.Envelope
	if err := json.Unmarshal(f.sent[len(f.sent)-1], &env); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return env
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []string
}

func (b *recordingBroadcaster) BroadcastToUser(userID string, t envelope.Type, data any) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "user:"+userID+":"+string(t))
	return 0
}

func (b *recordingBroadcaster) BroadcastToOthers(userID, excludeConnID string, t envelope.Type, data any) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "others:"+userID+":"+string(t))
	return 0
}

const testSecret = "registry-test-secret"

func mintToken(t *testing.T, sub, scope string) string {
	t.Helper()
	token, err := security.MintTestToken(testSecret, sub, scope)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func newTestRegistry(opts Options) *Registry {
	return New(security.NewVerifier(testSecret, "", ""), opts)
}

func TestAccept_AnonymousGetsWelcome(t *testing.T) {
	r := newTestRegistry(Options{})
	conn := &fakeConn{}

	info, err := r.Accept(conn, "", "")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if info.State != StateAnonymous {
		t.Errorf("State = %q, want anonymous", info.State)
	}
	if info.ID == "" {
		t.Error("ID is empty")
	}

	env := conn.lastSent(t)
	if env.Type != envelope.TypeConnectionEstablished {
		t.Errorf("welcome type = %q, want connection_established", env.Type)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestAccept_ValidTokenIdentifiesImmediately(t *testing.T) {
	r := newTestRegistry(Options{})
	conn := &fakeConn{}

	info, err := r.Accept(conn, "", mintToken(t, "user-7", "device:ios_app"))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if info.State != StateIdentified {
		t.Errorf("State = %q, want identified", info.State)
	}
	if info.UserID != "user-7" || info.ClientType != "ios_app" {
		t.Errorf("identity = %q/%q, want user-7/ios_app", info.UserID, info.ClientType)
	}
}

func TestAccept_InvalidTokenRejected(t *testing.T) {
	r := newTestRegistry(Options{})

	if _, err := r.Accept(&fakeConn{}, "", "not-a-token"); err != ErrUnauthorized {
		t.Errorf("Accept err = %v, want ErrUnauthorized", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestAccept_OriginAllowlist(t *testing.T) {
	r := newTestRegistry(Options{AllowedOrigins: []string{"https://app.example.com"}})

	if _, err := r.Accept(&fakeConn{}, "https://evil.example.com", ""); err != ErrForbiddenOrigin {
		t.Errorf("bad origin err = %v, want ErrForbiddenOrigin", err)
	}
	if _, err := r.Accept(&fakeConn{}, "https://app.example.com", ""); err != nil {
		t.Errorf("allowed origin err = %v", err)
	}
	if _, err := r.Accept(&fakeConn{}, "", ""); err != nil {
		t.Errorf("empty origin err = %v, want allowed", err)
	}
}

func TestIdentify_BindsUserAndAnnouncesPresence(t *testing.T) {
	r := newTestRegistry(Options{})
	b := &recordingBroadcaster{}
	r.SetBroadcaster(b)

	conn := &fakeConn{}
	info, _ := r.Accept(conn, "", "")

	if err := r.Identify(info.ID, "user-1", "ios_app", ""); err != nil {
		t.Fatalf("Identify: %v", err)
	}

	got, ok := r.Get(info.ID)
	if !ok || got.State != StateIdentified || got.UserID != "user-1" {
		t.Errorf("Get = %+v, want identified user-1", got)
	}
	if len(b.calls) != 1 || b.calls[0] != "others:user-1:client_presence" {
		t.Errorf("broadcaster calls = %v, want one presence to others", b.calls)
	}
}

func TestIdentify_NonDeviceClientIsSilent(t *testing.T) {
	r := newTestRegistry(Options{})
	b := &recordingBroadcaster{}
	r.SetBroadcaster(b)

	conn := &fakeConn{}
	info, _ := r.Accept(conn, "", "")
	if err := r.Identify(info.ID, "user-1", "web_dashboard", ""); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if len(b.calls) != 0 {
		t.Errorf("broadcaster calls = %v, want none", b.calls)
	}
}

func TestIdentify_APIKeyMismatchClosesConnection(t *testing.T) {
	r := newTestRegistry(Options{APIKey: "expected-key"})
	conn := &fakeConn{}
	info, _ := r.Accept(conn, "", "")

	if err := r.Identify(info.ID, "user-1", "ios_app", "wrong-key"); err != ErrUnauthorized {
		t.Fatalf("Identify err = %v, want ErrUnauthorized", err)
	}
	if !conn.closed || conn.closeCode != 4401 {
		t.Errorf("closed = %v code = %d, want closed with 4401", conn.closed, conn.closeCode)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestIdentify_UnknownConnection(t *testing.T) {
	r := newTestRegistry(Options{})
	if err := r.Identify("nope", "user-1", "ios_app", ""); err != ErrUnknownConnection {
		t.Errorf("err = %v, want ErrUnknownConnection", err)
	}
}

func TestRemove_IdempotentAndAnnouncesOffline(t *testing.T) {
	r := newTestRegistry(Options{})
	b := &recordingBroadcaster{}
	r.SetBroadcaster(b)

	conn := &fakeConn{}
	info, _ := r.Accept(conn, "", "")
	_ = r.Identify(info.ID, "user-1", "ios_app", "")

	r.Remove(info.ID)
	r.Remove(info.ID)

	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
	if !conn.closed {
		t.Error("transport not closed")
	}
	if len(b.calls) != 2 || b.calls[1] != "others:user-1:client_presence" {
		t.Errorf("broadcaster calls = %v, want online then offline presence", b.calls)
	}
}

func TestSendTo_FailureRemovesConnection(t *testing.T) {
	r := newTestRegistry(Options{})
	conn := &fakeConn{}
	info, _ := r.Accept(conn, "", "")

	conn.sendErr = errors.New("broken pipe")
	if err := r.SendTo(info.ID, []byte("{}")); err == nil {
		t.Fatal("SendTo = nil, want error")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0 after failed delivery", r.Count())
	}
}

func TestConnectionsFor_OnlyIdentifiedForUser(t *testing.T) {
	r := newTestRegistry(Options{})

	a, _ := r.Accept(&fakeConn{}, "", "")
	_ = r.Identify(a.ID, "user-1", "ios_app", "")
	bc, _ := r.Accept(&fakeConn{}, "", "")
	_ = r.Identify(bc.ID, "user-2", "ios_app", "")
	_, _ = r.Accept(&fakeConn{}, "", "")

	targets := r.ConnectionsFor("user-1")
	if len(targets) != 1 || targets[0].ConnID != a.ID {
		t.Errorf("targets = %+v, want only %s", targets, a.ID)
	}
}

func TestSweep_RemovesConnectionsFailingPing(t *testing.T) {
	r := newTestRegistry(Options{})
	healthy := &fakeConn{}
	dead := &fakeConn{pingErr: errors.New("timeout")}

	_, _ = r.Accept(healthy, "", "")
	info, _ := r.Accept(dead, "", "")

	r.sweep()

	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
	if _, ok := r.Get(info.ID); ok {
		t.Error("dead connection still registered after sweep")
	}
}

func TestHeartbeat_UpdatesLastSeen(t *testing.T) {
	r := newTestRegistry(Options{})
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r.nowF = func() time.Time { return base }

	info, _ := r.Accept(&fakeConn{}, "", "")

	r.nowF = func() time.Time { return base.Add(time.Minute) }
	r.Heartbeat(info.ID)

	got, _ := r.Get(info.ID)
	if !got.LastSeen.Equal(base.Add(time.Minute)) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, base.Add(time.Minute))
	}
}
