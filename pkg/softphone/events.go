package softphone

import (
	"github.com/arzzra/softphone_sdk/pkg/agent"
	"github.com/arzzra/softphone_sdk/pkg/session"
)

// EventKind — тип события фасада
type EventKind string

const (
	// EventConnectionStateChanged — изменение состояния транспорта или регистрации
	EventConnectionStateChanged EventKind = "CONNECTION_STATE_CHANGED"
	// EventCallCreated — создана новая сессия звонка (входящая или исходящая)
	EventCallCreated EventKind = "CALL_CREATED"
	// EventCallRinging — удаленная сторона получила вызов
	EventCallRinging EventKind = "CALL_RINGING"
	// EventCallAnswered — звонок отвечен
	EventCallAnswered EventKind = "CALL_ANSWERED"
	// EventCallTerminating — началось завершение звонка
	EventCallTerminating EventKind = "CALL_TERMINATING"
	// EventCallHangup — звонок завершен
	EventCallHangup EventKind = "CALL_HANGUP"
)

// Event — единое событие, доставляемое приложению.
// Заполненность полей зависит от Kind: для событий соединения заполнен
// ConnState, для событий звонка — Session (и Details для CALL_CREATED).
type Event struct {
	Kind      EventKind
	ConnState *agent.StateEvent
	Session   *session.Session
	Direction session.Direction
	Details   *agent.CallDetails
}

// EventSink принимает события фасада. Вызовы идут из горутин транспорта,
// приложение само отвечает за маршалинг в свой поток.
type EventSink interface {
	OnEvent(Event)
}

// EventFunc адаптирует функцию к интерфейсу EventSink
type EventFunc func(Event)

func (f EventFunc) OnEvent(ev Event) { f(ev) }

var _ EventSink = EventFunc(nil)
