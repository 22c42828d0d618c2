// Package softphone — фасад SDK софтфона: связывает авторизованную сессию
// (pkg/auth) и сигнальный агент (pkg/agent) в единый API для приложения.
package softphone

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/arzzra/softphone_sdk/pkg/agent"
	"github.com/arzzra/softphone_sdk/pkg/auth"
	"github.com/arzzra/softphone_sdk/pkg/sdkerr"
	"github.com/arzzra/softphone_sdk/pkg/session"
	"github.com/arzzra/softphone_sdk/pkg/storage"
)

const (
	defaultBackendURL      = "https://api.telecomsx.app"
	defaultForegroundGrace = time.Second
)

// Допустимый номер назначения: E.164, ведущий плюс опционален
var e164Pattern = regexp.MustCompile(`^\+?[1-9][0-9]{1,14}$`)

// TransportFactory создает сигнальный транспорт для edge-домена.
// Переопределяется в тестах.
type TransportFactory func(domain string) (agent.Transport, error)

type options struct {
	store            storage.Store
	baseURL          string
	httpClient       *http.Client
	redirectURL      string
	transportFactory TransportFactory
	lifecycle        *Lifecycle
	foregroundGrace  time.Duration
	retryCap         int
	logger           *slog.Logger
}

// Option настраивает фасад
type Option func(*options)

// WithStore задает хранилище учетных данных сессии
func WithStore(s storage.Store) Option {
	return func(o *options) { o.store = s }
}

// WithBackendURL задает адрес identity-бэкенда
func WithBackendURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithHTTPClient задает HTTP клиент для identity-бэкенда
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRedirectURL задает redirect URL для браузерного логина
func WithRedirectURL(u string) Option {
	return func(o *options) { o.redirectURL = u }
}

// WithTransportFactory задает фабрику сигнального транспорта
func WithTransportFactory(f TransportFactory) Option {
	return func(o *options) { o.transportFactory = f }
}

// WithLifecycle задает нотификатор жизненного цикла приложения
func WithLifecycle(l *Lifecycle) Option {
	return func(o *options) { o.lifecycle = l }
}

// WithForegroundGrace задает задержку перед переподключением после
// возврата на передний план
func WithForegroundGrace(d time.Duration) Option {
	return func(o *options) { o.foregroundGrace = d }
}

// WithRegistrationRetryCap задает лимит повторов SIP регистрации
func WithRegistrationRetryCap(n int) Option {
	return func(o *options) { o.retryCap = n }
}

// WithLogger задает логгер фасада
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func applyOptions(opts []Option) options {
	o := options{
		store:           storage.NewMemory(),
		baseURL:         defaultBackendURL,
		foregroundGrace: defaultForegroundGrace,
		logger:          slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func newBackendClient(o options) *auth.Client {
	cliOpts := []auth.ClientOption{auth.WithLogger(o.logger)}
	if o.httpClient != nil {
		cliOpts = append(cliOpts, auth.WithHTTPClient(o.httpClient))
	}
	if o.redirectURL != "" {
		cliOpts = append(cliOpts, auth.WithRedirectURL(o.redirectURL))
	}
	return auth.NewClient(o.baseURL, cliOpts...)
}

// Softphone — фасад SDK. Создается через Initialize, HandleRedirect или
// DirectLogin и никогда не бывает частично инициализированным: либо за
// экземпляром стоит проверенная сессия, либо экземпляра нет.
type Softphone struct {
	auth *auth.Auth
	opts options
	log  *slog.Logger

	mu          sync.Mutex
	agent       *agent.UserAgent
	sink        EventSink
	started     bool
	active      *session.Session
	lifecycleID int
	subscribed  bool
}

func newSoftphone(a *auth.Auth, o options) *Softphone {
	return &Softphone{
		auth: a,
		opts: o,
		log:  o.logger.With(slog.String("component", "softphone")),
	}
}

// Initialize восстанавливает сохраненную сессию. Возвращает nil без ошибки,
// когда восстанавливать нечего: тогда приложение идет через Login /
// HandleRedirect. При устаревших правах делается один refresh; если и он
// не помог — сохраненная запись очищается и возвращается nil.
func Initialize(ctx context.Context, clientID, clientSecret string, opts ...Option) (*Softphone, error) {
	if err := Configure(clientID, clientSecret); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	a := auth.New(newBackendClient(o), o.store)

	if !a.Restore() {
		return nil, nil
	}
	if err := a.VerifyPermissions(ctx); err != nil {
		if sdkerr.IsPermissionDenied(err) {
			// VerifyPermissions уже выполнил Logout
			return nil, nil
		}
		if !a.Refresh(ctx, clientID, clientSecret) {
			a.Logout()
			return nil, nil
		}
	}
	return newSoftphone(a, o), nil
}

// LoginURL возвращает адрес браузерного логина. Требует предварительного
// вызова Initialize или Configure.
func LoginURL(opts ...Option) (string, error) {
	const op = "softphone.LoginURL"
	clientID, _, ok := Credentials()
	if !ok {
		return "", sdkerr.MissingParameter(op, "clientId")
	}
	o := applyOptions(opts)
	a := auth.New(newBackendClient(o), storage.NewMemory())
	return a.LoginURL(clientID), nil
}

// Login открывает браузер на странице авторизации
func Login(opener auth.BrowserOpener, opts ...Option) error {
	const op = "softphone.Login"
	clientID, _, ok := Credentials()
	if !ok {
		return sdkerr.MissingParameter(op, "clientId")
	}
	o := applyOptions(opts)
	a := auth.New(newBackendClient(o), storage.NewMemory())
	return a.OpenBrowserLogin(clientID, opener)
}

// HandleRedirect завершает браузерный логин по redirect URL и возвращает
// готовый фасад с проверенной и сохраненной сессией
func HandleRedirect(ctx context.Context, redirectURL string, opts ...Option) (*Softphone, error) {
	const op = "softphone.HandleRedirect"
	clientID, clientSecret, ok := Credentials()
	if !ok {
		return nil, sdkerr.MissingParameter(op, "clientId")
	}
	o := applyOptions(opts)
	a := auth.New(newBackendClient(o), o.store)
	if err := a.CompleteBrowserLogin(ctx, redirectURL, clientID, clientSecret); err != nil {
		return nil, err
	}
	return newSoftphone(a, o), nil
}

// DirectLogin выполняет вход с уже полученными токенами, минуя браузер
func DirectLogin(ctx context.Context, accessToken, email, refreshToken string, opts ...Option) (*Softphone, error) {
	const op = "softphone.DirectLogin"
	clientID, clientSecret, ok := Credentials()
	if !ok {
		return nil, sdkerr.MissingParameter(op, "clientId")
	}
	o := applyOptions(opts)
	a := auth.New(newBackendClient(o), o.store)
	if err := a.DirectLogin(ctx, accessToken, email, refreshToken, clientID, clientSecret); err != nil {
		return nil, err
	}
	return newSoftphone(a, o), nil
}

// Start запускает сигнальную часть: обменивает access токен на SIP учетные
// данные, загружает профиль, создает агента для edge-домена и подключается.
// Повторный вызов — предупреждение и no-op.
func (sp *Softphone) Start(ctx context.Context, sink EventSink) error {
	const op = "softphone.Start"
	if sink == nil {
		return sdkerr.MissingParameter(op, "sink")
	}
	if !sp.auth.LoggedIn() {
		return sdkerr.Unauthorized(op, nil)
	}

	sp.mu.Lock()
	if sp.started {
		sp.mu.Unlock()
		sp.log.Warn("start called twice, ignoring")
		return nil
	}
	sp.sink = sink
	sp.mu.Unlock()

	var creds *auth.SIPCredentials
	err := sp.withAuthRetry(ctx, op, func(ctx context.Context) error {
		c, err := sp.auth.RegisterSIPIdentity(ctx)
		if err != nil {
			return err
		}
		creds = c
		return nil
	})
	if err != nil {
		return err
	}

	var profile *auth.Profile
	err = sp.withAuthRetry(ctx, op, func(ctx context.Context) error {
		p, err := sp.auth.FetchProfile(ctx)
		if err != nil {
			return err
		}
		profile = p
		return nil
	})
	if err != nil {
		return err
	}

	ag, err := sp.buildAgent(profile.EdgeDomain, *creds)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	sp.agent = ag
	sp.started = true
	if sp.opts.lifecycle != nil && !sp.subscribed {
		sp.lifecycleID = sp.opts.lifecycle.Subscribe(sp.onLifecycle)
		sp.subscribed = true
	}
	sp.mu.Unlock()

	return ag.Start(ctx)
}

func (sp *Softphone) buildAgent(domain string, creds auth.SIPCredentials) (*agent.UserAgent, error) {
	var tr agent.Transport
	if sp.opts.transportFactory != nil {
		t, err := sp.opts.transportFactory(domain)
		if err != nil {
			return nil, err
		}
		tr = t
	}
	return agent.New(agent.Config{
		Domain:      domain,
		Credentials: sp.auth,
		SIPCreds:    creds,
		Sink:        sp,
		Transport:   tr,
		RetryCap:    sp.opts.retryCap,
	})
}

// Connect восстанавливает сигнальное соединение. Три случая: агент есть —
// переподключение и перерегистрация; агента нет, но Start уже вызывался —
// полный перезапуск; Start не вызывался — ошибка.
func (sp *Softphone) Connect(ctx context.Context) error {
	const op = "softphone.Connect"
	if !sp.auth.LoggedIn() {
		return sdkerr.Unauthorized(op, nil)
	}

	sp.mu.Lock()
	ag := sp.agent
	sink := sp.sink
	sp.mu.Unlock()

	if ag != nil {
		return ag.Reconnect(ctx)
	}
	if sink != nil {
		sp.mu.Lock()
		sp.started = false
		sp.mu.Unlock()
		return sp.Start(ctx, sink)
	}
	sp.log.Warn("connect before start")
	return sdkerr.Unknown(op, 0, "start was never called", nil)
}

// onLifecycle переподключается после возврата приложения на передний план.
// Короткая задержка дает ОС восстановить сеть прежде чем трогать сокеты.
func (sp *Softphone) onLifecycle(p Phase) {
	if p != PhaseForeground {
		return
	}
	grace := sp.opts.foregroundGrace
	time.AfterFunc(grace, func() {
		if err := sp.Connect(context.Background()); err != nil {
			sp.log.Warn("reconnect after foreground failed", "error", err)
		}
	})
}

// MakeCall делает исходящий звонок на номер в формате E.164. Если callerID
// задан и отличается от текущего основного номера, основной номер сначала
// обновляется на бэкенде; смена edge-домена при этом пересоздает агента.
// Возвращает true когда INVITE отправлен.
func (sp *Softphone) MakeCall(ctx context.Context, destination, callerID string) (bool, error) {
	const op = "softphone.MakeCall"
	if !sp.auth.LoggedIn() {
		return false, sdkerr.Unauthorized(op, nil)
	}
	if !sp.auth.HasPermission(auth.PermissionOutboundCalls) {
		return false, sdkerr.PermissionDenied(op, auth.PermissionOutboundCalls)
	}
	if destination == "" {
		return false, sdkerr.MissingParameter(op, "destination")
	}
	if !e164Pattern.MatchString(destination) {
		return false, sdkerr.InvalidValue(op, "destination", "not a valid E.164 number")
	}

	sent := false
	err := sp.withAuthRetry(ctx, op, func(ctx context.Context) error {
		caller := callerID
		if caller == "" {
			caller = sp.auth.PrimaryCallerID()
		}
		if caller == "" {
			return sdkerr.MissingParameter(op, "callerId")
		}
		if callerID != "" && callerID != sp.auth.PrimaryCallerID() {
			domain, err := sp.auth.UpdatePrimaryVirtualNumber(ctx, callerID)
			if err != nil {
				return err
			}
			if err := sp.migrateAgentIfNeeded(ctx, domain); err != nil {
				return err
			}
		}

		sp.mu.Lock()
		ag := sp.agent
		sp.mu.Unlock()
		if ag == nil {
			return sdkerr.Unknown(op, 0, "signaling agent is not started", nil)
		}
		ok, err := ag.MakeCall(ctx, destination, agent.CallOptions{})
		sent = ok
		return err
	})
	if err != nil {
		return false, err
	}
	return sent, nil
}

// migrateAgentIfNeeded пересоздает агента, когда основной номер переехал
// на другой edge-домен
func (sp *Softphone) migrateAgentIfNeeded(ctx context.Context, domain string) error {
	const op = "softphone.MakeCall"
	sp.mu.Lock()
	old := sp.agent
	sp.mu.Unlock()
	if domain == "" || (old != nil && old.Domain() == domain) {
		return nil
	}

	creds := sp.auth.SIPCreds()
	if creds == nil {
		return sdkerr.Unknown(op, 0, "no sip credentials for edge migration", nil)
	}
	if old != nil {
		old.Stop()
	}
	sp.log.Info("edge domain changed, recreating signaling agent", "domain", domain)
	ag, err := sp.buildAgent(domain, *creds)
	if err != nil {
		return err
	}
	sp.mu.Lock()
	sp.agent = ag
	sp.mu.Unlock()
	return ag.Start(ctx)
}

// GetVirtualNumbers возвращает закэшированный список виртуальных номеров
// из последнего загруженного профиля
func (sp *Softphone) GetVirtualNumbers() []auth.VirtualNumber {
	return sp.auth.VirtualNumbers()
}

// ActiveSession возвращает текущую сессию звонка или nil
func (sp *Softphone) ActiveSession() *session.Session {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.active
}

// Auth открывает доступ к авторизованной сессии
func (sp *Softphone) Auth() *auth.Auth {
	return sp.auth
}

// Logout завершает сессию целиком: снимает регистрацию, останавливает
// агента, чистит токены и хранилище. Повторный вызов безопасен.
func (sp *Softphone) Logout() {
	sp.mu.Lock()
	ag := sp.agent
	sp.agent = nil
	sp.started = false
	sp.active = nil
	if sp.subscribed && sp.opts.lifecycle != nil {
		sp.opts.lifecycle.Unsubscribe(sp.lifecycleID)
	}
	sp.subscribed = false
	sp.mu.Unlock()

	if ag != nil {
		ag.Stop()
	}
	sp.auth.Logout()
}

// --- agent.Sink ---

// Подавления форков на уровне агента нет: каждый входящий диалог рождает
// сессию и CALL_CREATED. Фильтрация по идентичности происходит здесь:
// события от сессии, не являющейся текущей, не доходят до приложения.

func (sp *Softphone) ConnectionStateChanged(ev agent.StateEvent) {
	sp.emit(Event{Kind: EventConnectionStateChanged, ConnState: &ev})
}

func (sp *Softphone) CallCreated(s *session.Session, details agent.CallDetails) {
	sp.mu.Lock()
	sp.active = s
	sp.mu.Unlock()
	sp.emit(Event{Kind: EventCallCreated, Session: s, Direction: details.Direction, Details: &details})
}

func (sp *Softphone) CallRinging(s *session.Session) {
	if !sp.isActive(s) {
		sp.log.Debug("ringing from non-active session, ignoring")
		return
	}
	sp.emit(Event{Kind: EventCallRinging, Session: s, Direction: s.Direction()})
}

func (sp *Softphone) CallAnswered(s *session.Session) {
	if !sp.isActive(s) {
		sp.log.Debug("answer from non-active session, ignoring")
		return
	}
	sp.emit(Event{Kind: EventCallAnswered, Session: s, Direction: s.Direction()})
}

func (sp *Softphone) CallTerminating(s *session.Session) {
	if !sp.isActive(s) {
		sp.log.Debug("terminating from non-active session, ignoring")
		return
	}
	sp.emit(Event{Kind: EventCallTerminating, Session: s, Direction: s.Direction()})
}

func (sp *Softphone) CallHangup(s *session.Session) {
	sp.mu.Lock()
	if sp.active != s {
		sp.mu.Unlock()
		sp.log.Debug("hangup from non-active session, ignoring")
		return
	}
	sp.active = nil
	sp.mu.Unlock()
	sp.emit(Event{Kind: EventCallHangup, Session: s, Direction: s.Direction()})
}

func (sp *Softphone) isActive(s *session.Session) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.active == s
}

func (sp *Softphone) emit(ev Event) {
	sp.mu.Lock()
	sink := sp.sink
	sp.mu.Unlock()
	if sink != nil {
		sink.OnEvent(ev)
	}
}

var _ agent.Sink = (*Softphone)(nil)
