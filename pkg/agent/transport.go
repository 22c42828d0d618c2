package agent

import (
	"context"

	"github.com/arzzra/softphone_sdk/pkg/session"
)

// TransportState состояние транспортного соединения с сигнальным сервером.
// Транспортное состояние является барьером для регистрации: регистрация
// выполняется только при подключенном транспорте.
type TransportState string

const (
	// TransportDisconnected транспорт остановлен или потерян
	TransportDisconnected TransportState = "Disconnected"
	// TransportConnecting транспорт устанавливает соединение
	TransportConnecting TransportState = "Connecting"
	// TransportConnected транспорт подключен
	TransportConnected TransportState = "Connected"
)

func (s TransportState) String() string {
	return string(s)
}

// RegisterParams параметры запроса регистрации.
// Токен передается как протокольные метаданные запроса.
type RegisterParams struct {
	Username string
	Token    string
	// ExpirySec фиксированный интервал истечения регистрации
	ExpirySec int
}

// InviteParams параметры исходящего invite.
// Помимо SIP токена invite может нести прикладные метаданные
// (идентификаторы транзакции, задания, ссылки).
type InviteParams struct {
	Destination   string
	Domain        string
	Token         string
	TransactionID string
	JobID         string
	RefID         string
}

// Dialog диалог сигнального движка с обратными вызовами жизненного цикла.
// Расширяет интерфейс, потребляемый сессией вызова.
type Dialog interface {
	session.Dialog
	// OnProgress устанавливает обработчик предварительного ответа (ringing)
	OnProgress(fn func())
	// OnAnswered устанавливает обработчик финального положительного ответа
	OnAnswered(fn func())
	// OnTerminated устанавливает обработчик завершения диалога любой причиной
	OnTerminated(fn func())
}

// OutboundDialog исходящий диалог: создается до отправки invite, чтобы
// обработчики и событие создания вызова были подключены раньше отправки.
type OutboundDialog interface {
	Dialog
	// Send отправляет invite
	Send(ctx context.Context) error
}

// Transport граница черного ящика сигнального движка.
// Реализация по умолчанию работает поверх sipgo через защищенный
// WebSocket к edge-домену аккаунта; тесты подставляют фейк.
type Transport interface {
	// Connect открывает транспортное соединение
	Connect(ctx context.Context) error
	// Close разрывает соединение
	Close() error
	// State возвращает текущее транспортное состояние
	State() TransportState
	// Register отправляет запрос регистрации. Результат приходит
	// асинхронно через OnRegistered/OnUnregistered.
	Register(ctx context.Context, params RegisterParams) error
	// Unregister отправляет явный запрос снятия регистрации
	Unregister(ctx context.Context) error
	// NewInvite создает исходящий диалог, не отправляя invite
	NewInvite(params InviteParams) (OutboundDialog, error)

	// OnConnectionState устанавливает обработчик смены транспортного состояния
	OnConnectionState(fn func(state TransportState, err error))
	// OnRegistered устанавливает обработчик успешной регистрации
	OnRegistered(fn func())
	// OnUnregistered устанавливает обработчик перехода в Unregistered
	OnUnregistered(fn func())
	// OnIncomingDialog устанавливает обработчик входящего диалога.
	// Из-за форкинга вызовов обработчик может быть вызван несколько раз
	// для одного логического вызова.
	OnIncomingDialog(fn func(Dialog))
}
