package softphone_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softphone_sdk/pkg/agent"
	"github.com/arzzra/softphone_sdk/pkg/auth"
	"github.com/arzzra/softphone_sdk/pkg/sdkerr"
	"github.com/arzzra/softphone_sdk/pkg/session"
	"github.com/arzzra/softphone_sdk/pkg/softphone"
	"github.com/arzzra/softphone_sdk/pkg/storage"
)

func mintToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	raw := mustToken(expiresIn)
	require.NotEmpty(t, raw)
	return raw
}

func mustToken(expiresIn time.Duration) string {
	raw, _ := jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.MapClaims{"exp": time.Now().Add(expiresIn).Unix()}).SignedString([]byte("k"))
	return raw
}

// backend бэкенд идентичности для тестов фасада. revoked помечает
// access-токены, которые bearer-эндпоинты встречают отказом 401.
type backend struct {
	mu           sync.Mutex
	refreshCalls int
	patchCalls   int
	sipCalls     int
	permissions  []string
	revoked      map[string]bool
	sipAlways401 bool
	nextAccess   string
	edge         string
	patchedEdge  string
	numbers      []auth.VirtualNumber

	srv *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		permissions: []string{auth.PermissionUseSDK, auth.PermissionOutboundCalls},
		revoked:     map[string]bool{},
		nextAccess:  mintToken(t, time.Hour),
		edge:        "edge-1.example.com",
		patchedEdge: "edge-1.example.com",
		numbers: []auth.VirtualNumber{
			{ID: 1, CountryCode: "+1", Number: "5550001", IsDefaultCalling: true},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"success":       true,
			"access_token":  b.access(),
			"refresh_token": "refresh-x",
		})
	})
	mux.HandleFunc("/api/v1/oauth/refresh", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.refreshCalls++
		b.mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"success": true,
			"access":  b.access(),
			"refresh": "refresh-x",
		})
	})
	mux.HandleFunc("/api/v1/roles", func(w http.ResponseWriter, r *http.Request) {
		if b.isRevoked(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b.mu.Lock()
		perms := make([]map[string]interface{}, 0, len(b.permissions))
		for i, name := range b.permissions {
			perms = append(perms, map[string]interface{}{"id": i + 1, "name": name})
		}
		b.mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"success": true,
			"data":    []map[string]interface{}{{"permissions": perms}},
		})
	})
	mux.HandleFunc("/api/v1/sip/register", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.sipCalls++
		always := b.sipAlways401
		b.mu.Unlock()
		if always || b.isRevoked(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]interface{}{
			"success":      true,
			"username":     "sip-user-1",
			"access_token": mustToken(time.Hour),
		})
	})
	mux.HandleFunc("/api/v1/profile", func(w http.ResponseWriter, r *http.Request) {
		if b.isRevoked(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodPatch {
			b.mu.Lock()
			b.patchCalls++
			edge := b.patchedEdge
			b.mu.Unlock()
			var payload struct {
				PrimaryVN string `json:"primary_vn"`
			}
			_ = json.NewDecoder(r.Body).Decode(&payload)
			writeJSON(w, map[string]interface{}{
				"success": true,
				"data": map[string]interface{}{
					"primary_virtual_number": map[string]interface{}{
						"number": payload.PrimaryVN, "is_default_calling": true,
					},
					"edge_domain": edge,
				},
			})
			return
		}
		b.mu.Lock()
		edge := b.edge
		numbers := b.numbers
		b.mu.Unlock()
		writeJSON(w, map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"edge_domain":     edge,
				"virtual_numbers": numbers,
			},
		})
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) access() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextAccess
}

func (b *backend) revoke(token string) {
	b.mu.Lock()
	b.revoked[token] = true
	b.mu.Unlock()
}

func (b *backend) isRevoked(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revoked[token]
}

func (b *backend) counts() (refresh, sip, patch int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls, b.sipCalls, b.patchCalls
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// --- транспорт-заглушка ---

type fakeDialog struct {
	mu         sync.Mutex
	remote     string
	sends      int
	progress   func()
	answered   func()
	terminated func()
}

func (d *fakeDialog) ID() string                                   { return "dlg" }
func (d *fakeDialog) RemoteParty() string                          { return d.remote }
func (d *fakeDialog) Accept(context.Context, string, []byte) error { return nil }
func (d *fakeDialog) Cancel(context.Context) error                 { return nil }
func (d *fakeDialog) Reject(context.Context) error                 { return nil }
func (d *fakeDialog) Bye(context.Context) error                    { return nil }
func (d *fakeDialog) OnProgress(fn func())                         { d.progress = fn }
func (d *fakeDialog) OnAnswered(fn func())                         { d.answered = fn }
func (d *fakeDialog) OnTerminated(fn func())                       { d.terminated = fn }

func (d *fakeDialog) Send(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends++
	return nil
}

var _ agent.OutboundDialog = (*fakeDialog)(nil)

type fakeTransport struct {
	mu        sync.Mutex
	state     agent.TransportState
	registers int
	invites   []agent.InviteParams

	onConn  func(agent.TransportState, error)
	onReg   func()
	onUnreg func()
	onDlg   func(agent.Dialog)
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.state = agent.TransportConnected
	fn := f.onConn
	f.mu.Unlock()
	fn(agent.TransportConnected, nil)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.state = agent.TransportDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) State() agent.TransportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Register(context.Context, agent.RegisterParams) error {
	f.mu.Lock()
	f.registers++
	fn := f.onReg
	f.mu.Unlock()
	fn()
	return nil
}

func (f *fakeTransport) Unregister(context.Context) error {
	f.mu.Lock()
	fn := f.onUnreg
	f.mu.Unlock()
	fn()
	return nil
}

func (f *fakeTransport) NewInvite(params agent.InviteParams) (agent.OutboundDialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, params)
	return &fakeDialog{remote: params.Destination}, nil
}

func (f *fakeTransport) OnConnectionState(fn func(agent.TransportState, error)) { f.onConn = fn }
func (f *fakeTransport) OnRegistered(fn func())                                 { f.onReg = fn }
func (f *fakeTransport) OnUnregistered(fn func())                               { f.onUnreg = fn }
func (f *fakeTransport) OnIncomingDialog(fn func(agent.Dialog))                 { f.onDlg = fn }

func (f *fakeTransport) inviteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invites)
}

var _ agent.Transport = (*fakeTransport)(nil)

// transportRecorder фабрика транспортов, запоминающая созданные экземпляры
type transportRecorder struct {
	mu         sync.Mutex
	domains    []string
	transports []*fakeTransport
}

func (r *transportRecorder) factory(domain string) (agent.Transport, error) {
	tr := &fakeTransport{state: agent.TransportDisconnected}
	r.mu.Lock()
	r.domains = append(r.domains, domain)
	r.transports = append(r.transports, tr)
	r.mu.Unlock()
	return tr, nil
}

func (r *transportRecorder) last() *fakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transports) == 0 {
		return nil
	}
	return r.transports[len(r.transports)-1]
}

// eventRecorder приемник событий фасада
type eventRecorder struct {
	mu     sync.Mutex
	events []softphone.Event
}

func (e *eventRecorder) OnEvent(ev softphone.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventRecorder) kinds() []softphone.EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]softphone.EventKind, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (e *eventRecorder) count(kind softphone.EventKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func phoneOptions(b *backend, store storage.Store, rec *transportRecorder) []softphone.Option {
	return []softphone.Option{
		softphone.WithBackendURL(b.srv.URL),
		softphone.WithStore(store),
		softphone.WithTransportFactory(rec.factory),
	}
}

// loginPhone выполняет прямой вход и возвращает готовый фасад
func loginPhone(t *testing.T, b *backend, store storage.Store, rec *transportRecorder) *softphone.Softphone {
	t.Helper()
	softphone.ResetConfig()
	t.Cleanup(softphone.ResetConfig)
	require.NoError(t, softphone.Configure("cid", "secret"))

	sp, err := softphone.DirectLogin(context.Background(),
		mintToken(t, time.Hour), "u@e.com", "refresh-1",
		phoneOptions(b, store, rec)...)
	require.NoError(t, err)
	require.NotNil(t, sp)
	return sp
}

// startPhone дополнительно запускает сигнальную часть
func startPhone(t *testing.T, b *backend, rec *transportRecorder, sink softphone.EventSink) *softphone.Softphone {
	t.Helper()
	sp := loginPhone(t, b, storage.NewMemory(), rec)
	require.NoError(t, sp.Start(context.Background(), sink))
	return sp
}

// TestConfigureValidation проверяет обязательность клиентских учетных данных
func TestConfigureValidation(t *testing.T) {
	softphone.ResetConfig()
	t.Cleanup(softphone.ResetConfig)

	err := softphone.Configure("", "secret")
	assert.Equal(t, sdkerr.KindMissingParameter, sdkerr.KindOf(err))

	err = softphone.Configure("cid", "")
	assert.Equal(t, sdkerr.KindMissingParameter, sdkerr.KindOf(err))

	require.NoError(t, softphone.Configure("cid", "secret"))
	// Повторная конфигурация молча игнорируется
	require.NoError(t, softphone.Configure("other", "other"))
	id, secret, ok := softphone.Credentials()
	assert.True(t, ok)
	assert.Equal(t, "cid", id)
	assert.Equal(t, "secret", secret)
}

// TestInitializeNoStoredSession проверяет контракт "экземпляр или nil"
func TestInitializeNoStoredSession(t *testing.T) {
	softphone.ResetConfig()
	t.Cleanup(softphone.ResetConfig)
	b := newBackend(t)
	rec := &transportRecorder{}

	sp, err := softphone.Initialize(context.Background(), "cid", "secret",
		phoneOptions(b, storage.NewMemory(), rec)...)
	require.NoError(t, err)
	assert.Nil(t, sp, "nothing to restore means no instance, not an error")
}

// TestInitializeRestores проверяет восстановление сохраненной сессии
func TestInitializeRestores(t *testing.T) {
	softphone.ResetConfig()
	t.Cleanup(softphone.ResetConfig)
	b := newBackend(t)
	rec := &transportRecorder{}
	store := storage.NewMemory()

	triple := &auth.TokenTriple{AccessToken: mintToken(t, time.Hour), RefreshToken: "refresh-1", Email: "u@e.com"}
	record, err := triple.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Save(record))

	sp, err := softphone.Initialize(context.Background(), "cid", "secret",
		phoneOptions(b, store, rec)...)
	require.NoError(t, err)
	require.NotNil(t, sp)
	assert.Equal(t, "u@e.com", sp.Auth().Email())
}

// TestInitializeRefreshesStaleSession проверяет один refresh при протухшей
// сессии: после обновления восстановление продолжается
func TestInitializeRefreshesStaleSession(t *testing.T) {
	softphone.ResetConfig()
	t.Cleanup(softphone.ResetConfig)
	b := newBackend(t)
	rec := &transportRecorder{}
	store := storage.NewMemory()

	stale := mintToken(t, time.Hour)
	b.revoke(stale)

	triple := &auth.TokenTriple{AccessToken: stale, RefreshToken: "refresh-1", Email: "u@e.com"}
	record, err := triple.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Save(record))

	sp, err := softphone.Initialize(context.Background(), "cid", "secret",
		phoneOptions(b, store, rec)...)
	require.NoError(t, err)
	require.NotNil(t, sp, "refreshed session must be restored")

	refresh, _, _ := b.counts()
	assert.Equal(t, 1, refresh, "exactly one refresh during restore")
	assert.NotEqual(t, stale, sp.Auth().AccessToken())
}

// TestInitializeClearsUnrecoverableSession проверяет очистку записи,
// когда и токен отвергнут, и refresh не помогает
func TestInitializeClearsUnrecoverableSession(t *testing.T) {
	softphone.ResetConfig()
	t.Cleanup(softphone.ResetConfig)
	b := newBackend(t)
	rec := &transportRecorder{}
	store := storage.NewMemory()

	stale := mintToken(t, time.Hour)
	b.revoke(stale)
	b.mu.Lock()
	b.nextAccess = stale // refresh возвращает все тот же отвергнутый токен
	b.mu.Unlock()

	triple := &auth.TokenTriple{AccessToken: stale, RefreshToken: "refresh-1", Email: "u@e.com"}
	record, err := triple.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Save(record))

	sp, err := softphone.Initialize(context.Background(), "cid", "secret",
		phoneOptions(b, store, rec)...)
	require.NoError(t, err)
	assert.Nil(t, sp)

	left, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, left, "unrecoverable session must be cleared")
}

// TestHandleRedirect проверяет завершение браузерного логина через фасад
func TestHandleRedirect(t *testing.T) {
	softphone.ResetConfig()
	t.Cleanup(softphone.ResetConfig)
	b := newBackend(t)
	rec := &transportRecorder{}
	store := storage.NewMemory()
	require.NoError(t, softphone.Configure("cid", "secret"))

	sp, err := softphone.HandleRedirect(context.Background(),
		"app://callback?code=abc&email=u%40e.com",
		phoneOptions(b, store, rec)...)
	require.NoError(t, err)
	require.NotNil(t, sp)
	assert.Equal(t, "u@e.com", sp.Auth().Email())

	record, err := store.Load()
	require.NoError(t, err)
	assert.NotNil(t, record, "redirect login must persist the session")
}

// TestLoginRequiresConfigure проверяет барьер конфигурации
func TestLoginRequiresConfigure(t *testing.T) {
	softphone.ResetConfig()
	t.Cleanup(softphone.ResetConfig)

	err := softphone.Login(func(string) error { return nil })
	assert.Equal(t, sdkerr.KindMissingParameter, sdkerr.KindOf(err))

	_, err = softphone.HandleRedirect(context.Background(), "app://cb?code=a&email=b")
	assert.Equal(t, sdkerr.KindMissingParameter, sdkerr.KindOf(err))
}

// TestStartWiresAgent проверяет запуск сигнальной части: обмен SIP
// учетных данных, профиль, агент на edge-домене профиля
func TestStartWiresAgent(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sink := &eventRecorder{}
	startPhone(t, b, rec, sink)

	require.Len(t, rec.domains, 1)
	assert.Equal(t, "edge-1.example.com", rec.domains[0], "agent must live on the profile edge domain")
	assert.Equal(t, 1, rec.last().registers)

	_, sip, _ := b.counts()
	assert.Equal(t, 1, sip)

	assert.GreaterOrEqual(t, sink.count(softphone.EventConnectionStateChanged), 2,
		"transport and registration events must reach the application")
}

// TestStartTwiceIsNoop проверяет идемпотентность запуска
func TestStartTwiceIsNoop(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sink := &eventRecorder{}
	sp := startPhone(t, b, rec, sink)

	require.NoError(t, sp.Start(context.Background(), sink))
	assert.Len(t, rec.domains, 1, "second start must not build another agent")
}

// TestStartWithoutSink проверяет обязательность приемника событий
func TestStartWithoutSink(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sp := loginPhone(t, b, storage.NewMemory(), rec)

	err := sp.Start(context.Background(), nil)
	assert.Equal(t, sdkerr.KindMissingParameter, sdkerr.KindOf(err))
}

// TestStartSingleRefreshRetry проверяет одноразовое восстановление:
// отвергнутый токен обновляется ровно один раз и операция повторяется
func TestStartSingleRefreshRetry(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sp := loginPhone(t, b, storage.NewMemory(), rec)

	// Текущий access-токен отвергается, обновленный - принимается
	b.revoke(sp.Auth().AccessToken())

	require.NoError(t, sp.Start(context.Background(), &eventRecorder{}))

	refresh, sip, _ := b.counts()
	assert.Equal(t, 1, refresh, "exactly one refresh")
	assert.Equal(t, 2, sip, "rejected attempt plus one retry")
	assert.True(t, sp.Auth().LoggedIn())
}

// TestStartSecondRejectionLogsOut проверяет терминальность повторного отказа:
// вторая 401 после refresh дает UNAUTHORIZED и разбирает сессию
func TestStartSecondRejectionLogsOut(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sp := loginPhone(t, b, storage.NewMemory(), rec)

	b.mu.Lock()
	b.sipAlways401 = true
	b.mu.Unlock()

	err := sp.Start(context.Background(), &eventRecorder{})
	require.Error(t, err)
	assert.True(t, sdkerr.IsUnauthorized(err))
	assert.False(t, sp.Auth().LoggedIn(), "second rejection must terminate the session")

	refresh, _, _ := b.counts()
	assert.Equal(t, 1, refresh, "no second refresh, no recursion")
}

// TestMakeCallValidation проверяет барьеры перед любым сетевым действием
func TestMakeCallValidation(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sink := &eventRecorder{}
	sp := startPhone(t, b, rec, sink)
	ctx := context.Background()

	t.Run("empty destination", func(t *testing.T) {
		ok, err := sp.MakeCall(ctx, "", "")
		assert.False(t, ok)
		assert.Equal(t, sdkerr.KindMissingParameter, sdkerr.KindOf(err))
	})

	t.Run("not e164", func(t *testing.T) {
		for _, dest := range []string{"abc", "+0123", "123-456", "+123456789012345678"} {
			ok, err := sp.MakeCall(ctx, dest, "")
			assert.False(t, ok, dest)
			assert.Equal(t, sdkerr.KindInvalidValue, sdkerr.KindOf(err), dest)
		}
		assert.Zero(t, rec.last().inviteCount(), "invalid number must not reach the network")
	})

	t.Run("logged out", func(t *testing.T) {
		sp.Logout()
		ok, err := sp.MakeCall(ctx, "+15550002", "")
		assert.False(t, ok)
		assert.True(t, sdkerr.IsUnauthorized(err))
	})
}

// TestMakeCallRequiresOutboundPermission проверяет привилегию исходящих вызовов
func TestMakeCallRequiresOutboundPermission(t *testing.T) {
	b := newBackend(t)
	b.mu.Lock()
	b.permissions = []string{auth.PermissionUseSDK}
	b.mu.Unlock()

	rec := &transportRecorder{}
	sink := &eventRecorder{}
	sp := startPhone(t, b, rec, sink)

	ok, err := sp.MakeCall(context.Background(), "+15550002", "")
	assert.False(t, ok)
	assert.True(t, sdkerr.IsPermissionDenied(err))
	assert.Zero(t, rec.last().inviteCount())
}

// TestMakeCallDefaultCallerID проверяет вызов с основным caller id:
// профиль не трогается
func TestMakeCallDefaultCallerID(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sink := &eventRecorder{}
	sp := startPhone(t, b, rec, sink)

	ok, err := sp.MakeCall(context.Background(), "+15550002", "")
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, patch := b.counts()
	assert.Zero(t, patch, "default caller id must not touch the profile")
	assert.Equal(t, 1, rec.last().inviteCount())
	assert.Equal(t, 1, sink.count(softphone.EventCallCreated))
}

// TestMakeCallSameCallerID проверяет, что совпадающий caller id
// не порождает обновление профиля
func TestMakeCallSameCallerID(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sink := &eventRecorder{}
	sp := startPhone(t, b, rec, sink)

	ok, err := sp.MakeCall(context.Background(), "+15550002", "+15550001")
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, patch := b.counts()
	assert.Zero(t, patch, "matching caller id is a no-op on the profile")
}

// TestMakeCallSwitchesCallerID проверяет ровно одно обновление профиля
// перед отправкой invite при смене caller id
func TestMakeCallSwitchesCallerID(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sink := &eventRecorder{}
	sp := startPhone(t, b, rec, sink)

	ok, err := sp.MakeCall(context.Background(), "+15550002", "+15557777")
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, patch := b.counts()
	assert.Equal(t, 1, patch, "exactly one profile update")
	assert.Equal(t, 1, rec.last().inviteCount())
	assert.Equal(t, "+15557777", sp.Auth().PrimaryCallerID())
}

// TestMakeCallEdgeMigration проверяет пересоздание агента при смене
// edge-домена вместе с caller id
func TestMakeCallEdgeMigration(t *testing.T) {
	b := newBackend(t)
	b.mu.Lock()
	b.patchedEdge = "edge-2.example.com"
	b.mu.Unlock()

	rec := &transportRecorder{}
	sink := &eventRecorder{}
	sp := startPhone(t, b, rec, sink)

	ok, err := sp.MakeCall(context.Background(), "+15550002", "+15557777")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, rec.domains, 2, "edge change must rebuild the agent")
	assert.Equal(t, "edge-2.example.com", rec.domains[1])
	assert.Equal(t, 1, rec.last().inviteCount(), "invite goes through the new agent")
}

// TestGhostHangupFiltered проверяет оборону от форкинга на уровне фасада:
// события устаревшей сессии не доходят до приложения и не трогают
// отслеживаемое состояние
func TestGhostHangupFiltered(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sink := &eventRecorder{}
	sp := startPhone(t, b, rec, sink)
	tr := rec.last()

	first := &fakeDialog{remote: "+15550009"}
	second := &fakeDialog{remote: "+15550009"}
	tr.onDlg(first)
	tr.onDlg(second)

	assert.Equal(t, 2, sink.count(softphone.EventCallCreated),
		"both forks produce a created event")
	active := sp.ActiveSession()
	require.NotNil(t, active)
	assert.Equal(t, session.DirectionIncoming, active.Direction())

	// Призрачное завершение устаревшего форка
	first.terminated()
	assert.Zero(t, sink.count(softphone.EventCallHangup), "ghost hangup must be filtered")
	assert.Same(t, active, sp.ActiveSession(), "tracked state unchanged")

	// Завершение текущей сессии проходит
	second.terminated()
	assert.Equal(t, 1, sink.count(softphone.EventCallHangup))
	assert.Nil(t, sp.ActiveSession())
}

// TestConnectCases проверяет три случая восстановления соединения
func TestConnectCases(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		b := newBackend(t)
		rec := &transportRecorder{}
		sp := loginPhone(t, b, storage.NewMemory(), rec)

		err := sp.Connect(context.Background())
		assert.Error(t, err, "connect before start is an error")
	})

	t.Run("live agent reconnects", func(t *testing.T) {
		b := newBackend(t)
		rec := &transportRecorder{}
		sink := &eventRecorder{}
		sp := startPhone(t, b, rec, sink)
		tr := rec.last()

		// Смоделируем разрыв транспорта
		require.NoError(t, tr.Close())
		require.NoError(t, sp.Connect(context.Background()))
		assert.Equal(t, agent.TransportConnected, tr.State())
		assert.Equal(t, 2, tr.registers, "reconnect must re-register")
	})

	t.Run("logged out", func(t *testing.T) {
		b := newBackend(t)
		rec := &transportRecorder{}
		sink := &eventRecorder{}
		sp := startPhone(t, b, rec, sink)

		sp.Logout()
		err := sp.Connect(context.Background())
		assert.True(t, sdkerr.IsUnauthorized(err))
	})
}

// TestForegroundReconnect проверяет переподключение по возврату приложения
// на передний план с короткой задержкой
func TestForegroundReconnect(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sink := &eventRecorder{}
	lc := softphone.NewLifecycle()

	softphone.ResetConfig()
	t.Cleanup(softphone.ResetConfig)
	require.NoError(t, softphone.Configure("cid", "secret"))

	opts := append(phoneOptions(b, storage.NewMemory(), rec),
		softphone.WithLifecycle(lc),
		softphone.WithForegroundGrace(10*time.Millisecond))
	sp, err := softphone.DirectLogin(context.Background(),
		mintToken(t, time.Hour), "u@e.com", "refresh-1", opts...)
	require.NoError(t, err)
	require.NoError(t, sp.Start(context.Background(), sink))

	tr := rec.last()
	require.NoError(t, tr.Close())

	lc.Notify(softphone.PhaseForeground)

	require.Eventually(t, func() bool {
		return tr.State() == agent.TransportConnected
	}, time.Second, 10*time.Millisecond, "foreground must trigger a reconnect after the grace delay")
}

// TestLogoutStopsEverything проверяет полный и повторяемый logout
func TestLogoutStopsEverything(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sink := &eventRecorder{}
	sp := startPhone(t, b, rec, sink)
	tr := rec.last()

	sp.Logout()
	assert.Equal(t, agent.TransportDisconnected, tr.State())
	assert.False(t, sp.Auth().LoggedIn())
	assert.Nil(t, sp.ActiveSession())

	// Повторный logout безопасен
	sp.Logout()
	sp.Logout()
}

// TestGetVirtualNumbers проверяет чтение кэша без сетевых вызовов
func TestGetVirtualNumbers(t *testing.T) {
	b := newBackend(t)
	rec := &transportRecorder{}
	sink := &eventRecorder{}
	sp := startPhone(t, b, rec, sink)

	numbers := sp.GetVirtualNumbers()
	require.Len(t, numbers, 1)
	assert.Equal(t, "+15550001", numbers[0].E164())
}
