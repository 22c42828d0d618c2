// Package agent реализует сигнальный агент: владельца транспортного
// соединения и конечного автомата SIP регистрации.
//
// Агент подключается к edge-домену аккаунта, регистрируется с текущим
// SIP токеном, пересоздает токен при его истечении (пока жив access-токен),
// ограничивает автоматические повторные регистрации фиксированным бюджетом
// и порождает сессии вызовов для входящих и исходящих диалогов.
//
// Защита от форкинга вызовов: агент НЕ подавляет дубликаты входящих
// диалогов - каждый дубликат порождает собственную сессию и собственное
// событие создания вызова. Слот "текущей сессии" перезаписывается последним
// пришедшим диалогом; фильтрация завершений устаревших сессий выполняется
// потребителем сравнением по идентичности.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/softphone_sdk/pkg/auth"
	"github.com/arzzra/softphone_sdk/pkg/sdkerr"
	"github.com/arzzra/softphone_sdk/pkg/session"
)

// RegistrationState состояние регистрации на сигнальном сервере
type RegistrationState string

const (
	// Unregistered регистрация отсутствует
	Unregistered RegistrationState = "Unregistered"
	// Registering запрос регистрации отправлен
	Registering RegistrationState = "Registering"
	// Registered регистрация подтверждена
	Registered RegistrationState = "Registered"
)

func (s RegistrationState) String() string {
	return string(s)
}

// Бюджет автоматических повторных регистраций
const defaultRetryCap = 3

// Фиксированный интервал истечения регистрации
const defaultRegisterExpirySec = 600

// StateEventType тип события состояния соединения
type StateEventType string

const (
	// StateEventTransport событие транспортного уровня
	StateEventTransport StateEventType = "transport"
	// StateEventRegistration событие уровня регистрации
	StateEventRegistration StateEventType = "registration"
)

// StateEvent событие смены состояния соединения
type StateEvent struct {
	Type  StateEventType
	State string
	// Err помечает событие как ошибочное (исчерпан бюджет повторов,
	// истек access-токен и т.п.)
	Err bool
	// Error опциональная детализация ошибки
	Error error
}

// CallDetails детали события создания вызова
type CallDetails struct {
	RemoteNumber string
	Direction    session.Direction
}

// Sink приемник событий агента. Реализуется фасадом.
type Sink interface {
	ConnectionStateChanged(ev StateEvent)
	CallCreated(s *session.Session, details CallDetails)
	CallRinging(s *session.Session)
	CallAnswered(s *session.Session)
	CallTerminating(s *session.Session)
	CallHangup(s *session.Session)
}

// CredentialSource источник учетных данных для перевыпуска SIP токена.
// Реализуется менеджером сессии (auth.Auth).
type CredentialSource interface {
	RegisterSIPIdentity(ctx context.Context) (*auth.SIPCredentials, error)
	AccessTokenExpired() bool
	LoggedIn() bool
}

// CallOptions опциональные метаданные исходящего вызова
type CallOptions struct {
	TransactionID string
	JobID         string
	RefID         string
}

// Config конфигурация сигнального агента
type Config struct {
	// Domain edge-домен сигнального сервера
	Domain string
	// Credentials источник SIP учетных данных
	Credentials CredentialSource
	// SIPCreds начальные SIP учетные данные
	SIPCreds auth.SIPCredentials
	// Sink приемник событий
	Sink Sink
	// Transport подменяет транспорт (nil - sipgo поверх wss)
	Transport Transport
	// RetryCap бюджет повторных регистраций (0 - значение по умолчанию)
	RetryCap int
	// Registerer реестр метрик (nil - реестр по умолчанию)
	Registerer prometheus.Registerer
}

// UserAgent сигнальный агент.
type UserAgent struct {
	domain string
	tr     Transport
	sink   Sink
	creds  CredentialSource
	log    *slog.Logger

	regFSM   *fsm.FSM
	retryCap int

	mu       sync.Mutex
	sipCreds auth.SIPCredentials
	attempts int
	current  *session.Session

	stopped     atomic.Bool
	unregIntent atomic.Bool

	metrics *metrics
}

// New создает сигнальный агент. Транспорт не подключается до Start.
func New(cfg Config) (*UserAgent, error) {
	if cfg.Domain == "" {
		return nil, sdkerr.MissingParameter("agent.New", "domain")
	}
	if cfg.Sink == nil {
		return nil, sdkerr.MissingParameter("agent.New", "sink")
	}

	tr := cfg.Transport
	if tr == nil {
		var err error
		tr, err = NewSIPGoTransport(cfg.Domain)
		if err != nil {
			return nil, err
		}
	}

	retryCap := cfg.RetryCap
	if retryCap <= 0 {
		retryCap = defaultRetryCap
	}

	m := sharedMetrics()
	if cfg.Registerer != nil {
		m = newMetrics(cfg.Registerer)
	}

	ua := &UserAgent{
		domain:   cfg.Domain,
		tr:       tr,
		sink:     cfg.Sink,
		creds:    cfg.Credentials,
		sipCreds: cfg.SIPCreds,
		retryCap: retryCap,
		metrics:  m,
		log: slog.Default().With(
			slog.String("component", "agent"),
			slog.String("domain", cfg.Domain),
		),
	}
	ua.initFSM()

	tr.OnConnectionState(ua.handleTransportState)
	tr.OnRegistered(ua.handleRegistered)
	tr.OnUnregistered(ua.handleUnregistered)
	tr.OnIncomingDialog(ua.handleIncomingDialog)

	return ua, nil
}

// Domain возвращает edge-домен агента
func (ua *UserAgent) Domain() string {
	return ua.domain
}

// RegistrationState возвращает текущее состояние регистрации
func (ua *UserAgent) RegistrationState() RegistrationState {
	return RegistrationState(ua.regFSM.Current())
}

// CurrentSession возвращает текущую сессию вызова (слабая ссылка,
// сравнивается по идентичности; может быть nil)
func (ua *UserAgent) CurrentSession() *session.Session {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.current
}

// Start открывает транспорт. При подключении немедленно выполняется
// регистрация (через обработчик транспортного состояния).
func (ua *UserAgent) Start(ctx context.Context) error {
	ua.stopped.Store(false)
	return ua.tr.Connect(ctx)
}

// Reconnect восстанавливает соединение вручную или по событию жизненного
// цикла приложения. Три случая в порядке проверки: остановленный транспорт
// перезапускается (регистрацию выполнит обработчик подключения); при живом
// транспорте без регистрации запрос регистрации отправляется повторно;
// иначе операция ничего не делает.
func (ua *UserAgent) Reconnect(ctx context.Context) error {
	if ua.tr.State() == TransportDisconnected {
		ua.stopped.Store(false)
		ua.resetAttempts()
		return ua.tr.Connect(ctx)
	}
	if ua.tr.State() == TransportConnected && ua.RegistrationState() != Registered {
		ua.resetAttempts()
		return ua.register(ctx)
	}
	return nil
}

// Unregister отправляет явный запрос снятия регистрации. Отметка намерения
// блокирует автоматическую повторную регистрацию на последующем переходе
// в Unregistered.
func (ua *UserAgent) Unregister(ctx context.Context) error {
	ua.unregIntent.Store(true)
	return ua.tr.Unregister(ctx)
}

// Stop разрывает транспорт и исчерпывает бюджет повторов: фоновая логика
// не будет воскрешать соединение после намеренной остановки.
func (ua *UserAgent) Stop() {
	ua.stopped.Store(true)
	ua.mu.Lock()
	ua.attempts = ua.retryCap
	ua.mu.Unlock()
	if err := ua.tr.Close(); err != nil {
		ua.log.Debug("transport close failed", slog.String("error", err.Error()))
	}
}

// MakeCall создает исходящий вызов на destination.
//
// Возвращает булев успех: ошибки транспорта проглатываются в false,
// ошибки таксономии SDK (валидация, неклассифицированные ошибки верхних
// слоев) поднимаются наверх. Событие создания вызова уведомляется до
// отправки invite.
func (ua *UserAgent) MakeCall(ctx context.Context, destination string, opts CallOptions) (bool, error) {
	const op = "agent.MakeCall"

	if destination == "" || ua.domain == "" {
		return false, sdkerr.Unknown(op, 0, "cannot build signaling uri", nil)
	}

	if opts.TransactionID == "" {
		opts.TransactionID = uuid.NewString()
	}

	ua.mu.Lock()
	token := ua.sipCreds.Token
	ua.mu.Unlock()

	dlg, err := ua.tr.NewInvite(InviteParams{
		Destination:   destination,
		Domain:        ua.domain,
		Token:         token,
		TransactionID: opts.TransactionID,
		JobID:         opts.JobID,
		RefID:         opts.RefID,
	})
	if err != nil {
		return false, ua.swallowTransportErr(op, err)
	}

	sess := session.New(session.DirectionOutgoing, dlg, destination, ua)
	dlg.OnProgress(sess.HandleProgress)
	dlg.OnAnswered(sess.HandleAnswered)
	dlg.OnTerminated(sess.HandleTerminated)

	ua.setCurrent(sess)
	ua.metrics.calls.WithLabelValues(string(session.DirectionOutgoing)).Inc()
	ua.sink.CallCreated(sess, CallDetails{
		RemoteNumber: destination,
		Direction:    session.DirectionOutgoing,
	})

	if err := dlg.Send(ctx); err != nil {
		return false, ua.swallowTransportErr(op, err)
	}
	return true, nil
}

// swallowTransportErr реализует контракт MakeCall: ошибки таксономии
// поднимаются, прочие транспортные ошибки гасятся в лог
func (ua *UserAgent) swallowTransportErr(op string, err error) error {
	if sdkerr.IsTaxonomy(err) {
		return err
	}
	ua.log.Warn("call setup failed",
		slog.String("op", op),
		slog.String("error", err.Error()))
	return nil
}

// register отправляет запрос регистрации с текущим SIP токеном
func (ua *UserAgent) register(ctx context.Context) error {
	ua.mu.Lock()
	params := RegisterParams{
		Username:  ua.sipCreds.Username,
		Token:     ua.sipCreds.Token,
		ExpirySec: defaultRegisterExpirySec,
	}
	ua.mu.Unlock()

	ua.toRegState(Registering)
	if err := ua.tr.Register(ctx, params); err != nil {
		ua.log.Warn("register request failed", slog.String("error", err.Error()))
		ua.handleUnregistered()
		return err
	}
	return nil
}

func (ua *UserAgent) handleTransportState(state TransportState, err error) {
	ua.sink.ConnectionStateChanged(StateEvent{
		Type:  StateEventTransport,
		State: state.String(),
		Err:   err != nil,
		Error: err,
	})

	switch state {
	case TransportConnected:
		// Подключились - сразу регистрируемся
		if err := ua.register(context.Background()); err != nil {
			ua.log.Warn("registration on connect failed", slog.String("error", err.Error()))
		}
	case TransportDisconnected:
		// Незапланированный разрыв сам по себе переподключение не запускает:
		// восстановление инициирует жизненный цикл приложения или ручной Reconnect
		ua.toRegState(Unregistered)
	}
}

func (ua *UserAgent) handleRegistered() {
	ua.toRegState(Registered)
	ua.resetAttempts()
	ua.metrics.registrations.Inc()
	ua.sink.ConnectionStateChanged(StateEvent{
		Type:  StateEventRegistration,
		State: Registered.String(),
	})
}

// handleUnregistered обрабатывает переход в Unregistered: пока пользователь
// залогинен и бюджет повторов не исчерпан, выполняется автоматическая
// повторная регистрация; перед ней при необходимости перевыпускается SIP
// токен. Истекший access-токен немедленно останавливает повторы - это
// доводится до потребителя событием состояния, а не глотается молча.
func (ua *UserAgent) handleUnregistered() {
	ua.toRegState(Unregistered)

	if ua.unregIntent.Swap(false) || ua.stopped.Load() {
		ua.emitUnregistered(false, nil)
		return
	}
	if ua.creds == nil || !ua.creds.LoggedIn() {
		ua.emitUnregistered(false, nil)
		return
	}

	ua.mu.Lock()
	if ua.attempts >= ua.retryCap {
		ua.mu.Unlock()
		ua.emitUnregistered(true, sdkerr.Unknown("agent.register", 0, "registration retry budget exhausted", nil))
		return
	}
	ua.attempts++
	tokenExpired := auth.TokenExpired(ua.sipCreds.Token)
	ua.mu.Unlock()

	ua.metrics.registrationRetries.Inc()

	if tokenExpired {
		if ua.creds.AccessTokenExpired() {
			// Обновлять SIP токен нечем - повторы прекращаются немедленно
			ua.mu.Lock()
			ua.attempts = ua.retryCap
			ua.mu.Unlock()
			ua.emitUnregistered(true, sdkerr.InvalidToken("agent.register", sdkerr.TokenExpired))
			return
		}
		creds, err := ua.creds.RegisterSIPIdentity(context.Background())
		if err != nil {
			ua.emitUnregistered(true, err)
			return
		}
		ua.mu.Lock()
		ua.sipCreds = *creds
		ua.mu.Unlock()
	}

	if err := ua.register(context.Background()); err != nil {
		ua.log.Warn("re-registration failed", slog.String("error", err.Error()))
	}
}

func (ua *UserAgent) emitUnregistered(isErr bool, err error) {
	ua.sink.ConnectionStateChanged(StateEvent{
		Type:  StateEventRegistration,
		State: Unregistered.String(),
		Err:   isErr,
		Error: err,
	})
}

// handleIncomingDialog порождает сессию для входящего диалога.
// Дубликаты от форкинга не подавляются: каждый диалог получает свою
// сессию и свое событие создания вызова.
func (ua *UserAgent) handleIncomingDialog(dlg Dialog) {
	remote := dlg.RemoteParty()
	sess := session.New(session.DirectionIncoming, dlg, remote, ua)
	dlg.OnProgress(sess.HandleProgress)
	dlg.OnAnswered(sess.HandleAnswered)
	dlg.OnTerminated(sess.HandleTerminated)

	ua.setCurrent(sess)
	ua.metrics.calls.WithLabelValues(string(session.DirectionIncoming)).Inc()
	ua.sink.CallCreated(sess, CallDetails{
		RemoteNumber: remote,
		Direction:    session.DirectionIncoming,
	})
}

// setCurrent перезаписывает слот текущей сессии. При форкинге побеждает
// последний пришедший диалог - это намеренно.
func (ua *UserAgent) setCurrent(s *session.Session) {
	ua.mu.Lock()
	ua.current = s
	ua.mu.Unlock()
	ua.metrics.activeCalls.Inc()
}

// ClearCurrent сбрасывает слот текущей сессии, только если он указывает
// на s (сравнение по идентичности). Реализует session.Owner.
func (ua *UserAgent) ClearCurrent(s *session.Session) {
	ua.mu.Lock()
	if ua.current == s {
		ua.current = nil
	}
	ua.mu.Unlock()
	ua.metrics.activeCalls.Dec()
}

// SessionRinging реализует session.Owner
func (ua *UserAgent) SessionRinging(s *session.Session) { ua.sink.CallRinging(s) }

// SessionAnswered реализует session.Owner
func (ua *UserAgent) SessionAnswered(s *session.Session) { ua.sink.CallAnswered(s) }

// SessionTerminating реализует session.Owner
func (ua *UserAgent) SessionTerminating(s *session.Session) { ua.sink.CallTerminating(s) }

// SessionHangup реализует session.Owner
func (ua *UserAgent) SessionHangup(s *session.Session) { ua.sink.CallHangup(s) }

func (ua *UserAgent) resetAttempts() {
	ua.mu.Lock()
	ua.attempts = 0
	ua.mu.Unlock()
}

func formRegEventName(src, dst RegistrationState) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

func (ua *UserAgent) initFSM() {
	ua.regFSM = fsm.NewFSM(
		string(Unregistered),
		fsm.Events{
			{Name: formRegEventName(Unregistered, Registering), Src: []string{string(Unregistered)}, Dst: string(Registering)},
			{Name: formRegEventName(Registering, Registered), Src: []string{string(Registering)}, Dst: string(Registered)},
			{Name: formRegEventName(Registering, Unregistered), Src: []string{string(Registering)}, Dst: string(Unregistered)},
			{Name: formRegEventName(Registered, Unregistered), Src: []string{string(Registered)}, Dst: string(Unregistered)},
			{Name: formRegEventName(Registered, Registering), Src: []string{string(Registered)}, Dst: string(Registering)},
		}, fsm.Callbacks{})
}

func (ua *UserAgent) toRegState(dst RegistrationState) {
	src := RegistrationState(ua.regFSM.Current())
	if src == dst {
		return
	}
	if err := ua.regFSM.Event(context.TODO(), formRegEventName(src, dst)); err != nil {
		ua.log.Debug("registration transition rejected",
			slog.String("from", src.String()),
			slog.String("to", dst.String()),
			slog.String("error", err.Error()))
	}
}
