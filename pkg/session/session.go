// Package session реализует сессию одного сигнального диалога (одной
// попытки вызова).
//
// Сессия оборачивает черный ящик диалога сигнального движка и ведет
// конечный автомат состояний вызова. Из-за форкинга вызовов владелец
// (сигнальный агент) может породить несколько сессий для одного
// логического вызова; каждая сессия независимо адресуема, фильтрация
// устаревших сессий выполняется потребителем по идентичности указателя.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/looplab/fsm"
)

// Direction направление вызова
type Direction string

const (
	// DirectionIncoming входящий вызов
	DirectionIncoming Direction = "Incoming"
	// DirectionOutgoing исходящий вызов
	DirectionOutgoing Direction = "Outgoing"
)

// State состояние сессии вызова
type State string

func (s State) String() string {
	return string(s)
}

const (
	// Initial - начальное состояние, invite отправлен или получен
	Initial State = "Initial"
	// Establishing - вызов в процессе установления (ringing)
	Establishing State = "Establishing"
	// Established - вызов состоялся
	Established State = "Established"
	// Terminating - вызов в процессе завершения
	Terminating State = "Terminating"
	// Terminated - терминальное состояние, переходов из него нет
	Terminated State = "Terminated"
)

// Dialog интерфейс диалога сигнального движка, потребляемый сессией.
// Реализуется транспортным слоем агента.
type Dialog interface {
	// ID уникальный идентификатор диалога
	ID() string
	// RemoteParty идентификатор удаленной стороны
	RemoteParty() string
	// Accept отвечает на входящий invite с указанным телом
	Accept(ctx context.Context, contentType string, body []byte) error
	// Cancel отменяет неотвеченный исходящий invite
	Cancel(ctx context.Context) error
	// Reject отклоняет неотвеченный входящий invite
	Reject(ctx context.Context) error
	// Bye завершает установленный вызов
	Bye(ctx context.Context) error
}

// Owner владелец сессии. Получает события жизненного цикла и уведомление
// о завершении для сброса ссылки на текущую сессию.
type Owner interface {
	// SessionRinging вызов переходит в установление
	SessionRinging(s *Session)
	// SessionAnswered вызов состоялся
	SessionAnswered(s *Session)
	// SessionTerminating вызов начал завершаться
	SessionTerminating(s *Session)
	// SessionHangup вызов завершен
	SessionHangup(s *Session)
	// ClearCurrent сбрасывает ссылку на текущую сессию, если это s
	// (сравнение по идентичности)
	ClearCurrent(s *Session)
}

// Session сессия одного сигнального диалога.
type Session struct {
	fsm       *fsm.FSM
	direction Direction
	dialog    Dialog
	remote    string
	owner     Owner
	log       *slog.Logger

	answered atomic.Bool
}

// New создает сессию для диалога.
// remote - идентификатор удаленной стороны (набранный номер для исходящих,
// caller id для входящих).
func New(direction Direction, dialog Dialog, remote string, owner Owner) *Session {
	s := &Session{
		direction: direction,
		dialog:    dialog,
		remote:    remote,
		owner:     owner,
		log: slog.Default().With(
			slog.String("component", "session"),
			slog.String("direction", string(direction)),
			slog.String("dialog_id", dialog.ID()),
		),
	}
	s.initFSM()
	return s
}

// Direction возвращает направление вызова
func (s *Session) Direction() Direction {
	return s.direction
}

// State возвращает текущее состояние сессии
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// RemoteParty возвращает идентификатор удаленной стороны
func (s *Session) RemoteParty() string {
	return s.remote
}

// Dialog возвращает нижележащий диалог сигнального движка
func (s *Session) Dialog() Dialog {
	return s.dialog
}

// Answer отвечает на входящий вызов с аудио-ограничениями медиа.
//
// Валиден только для входящего, еще не установленного вызова. Для
// исходящей или уже активной сессии метод предупреждает в лог и молча
// ничего не делает: управление вызовом никогда не роняет приложение.
func (s *Session) Answer(ctx context.Context) error {
	if s.direction != DirectionIncoming {
		s.log.Warn("answer ignored: session is not inbound")
		return nil
	}
	state := s.State()
	if state != Initial && state != Establishing {
		s.log.Warn("answer ignored: call is already active or finished",
			slog.String("state", state.String()))
		return nil
	}
	if !s.answered.CompareAndSwap(false, true) {
		s.log.Warn("answer ignored: already answered")
		return nil
	}

	body, err := audioAnswerBody()
	if err != nil {
		return err
	}
	return s.dialog.Accept(ctx, sdpContentType, body)
}

// Hangup завершает вызов способом, соответствующим текущему состоянию:
// cancel для неотвеченного исходящего, reject для неотвеченного входящего,
// bye для установленного. Вне этих состояний - no-op.
func (s *Session) Hangup(ctx context.Context) error {
	switch s.State() {
	case Initial, Establishing:
		s.setState(Terminating)
		if s.direction == DirectionOutgoing {
			return s.dialog.Cancel(ctx)
		}
		return s.dialog.Reject(ctx)
	case Established:
		s.setState(Terminating)
		return s.dialog.Bye(ctx)
	default:
		s.log.Debug("hangup ignored", slog.String("state", s.State().String()))
		return nil
	}
}

// HandleProgress обрабатывает предварительный ответ диалога (ringing)
func (s *Session) HandleProgress() {
	if s.State() != Initial {
		return
	}
	s.setState(Establishing)
}

// HandleAnswered обрабатывает финальный положительный ответ диалога
func (s *Session) HandleAnswered() {
	switch s.State() {
	case Initial, Establishing:
		s.setState(Established)
	}
}

// HandleTerminated обрабатывает завершение диалога любой причиной.
// Сессия проходит через Terminating (если еще не проходила) и остается
// в Terminated навсегда.
func (s *Session) HandleTerminated() {
	switch s.State() {
	case Terminated:
		return
	case Terminating:
		s.setState(Terminated)
	default:
		s.setState(Terminating)
		s.setState(Terminated)
	}
}

func formEventName(src, dst State) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

func (s *Session) initFSM() {
	s.fsm = fsm.NewFSM(
		string(Initial),
		fsm.Events{
			{Name: formEventName(Initial, Establishing), Src: []string{string(Initial)}, Dst: string(Establishing)},
			{Name: formEventName(Initial, Established), Src: []string{string(Initial)}, Dst: string(Established)},
			{Name: formEventName(Establishing, Established), Src: []string{string(Establishing)}, Dst: string(Established)},
			{Name: formEventName(Initial, Terminating), Src: []string{string(Initial)}, Dst: string(Terminating)},
			{Name: formEventName(Establishing, Terminating), Src: []string{string(Establishing)}, Dst: string(Terminating)},
			{Name: formEventName(Established, Terminating), Src: []string{string(Established)}, Dst: string(Terminating)},
			{Name: formEventName(Terminating, Terminated), Src: []string{string(Terminating)}, Dst: string(Terminated)},
		}, fsm.Callbacks{
			"enter_" + Establishing.String(): s.enterEstablishing,
			"enter_" + Established.String():  s.enterEstablished,
			"enter_" + Terminating.String():  s.enterTerminating,
			"enter_" + Terminated.String():   s.enterTerminated,
		})
}

func (s *Session) enterEstablishing(ctx context.Context, e *fsm.Event) {
	s.owner.SessionRinging(s)
}

func (s *Session) enterEstablished(ctx context.Context, e *fsm.Event) {
	s.owner.SessionAnswered(s)
}

func (s *Session) enterTerminating(ctx context.Context, e *fsm.Event) {
	s.owner.SessionTerminating(s)
}

func (s *Session) enterTerminated(ctx context.Context, e *fsm.Event) {
	s.owner.SessionHangup(s)
	// Сессия больше не может быть текущей у владельца
	s.owner.ClearCurrent(s)
}

func (s *Session) setState(dst State) {
	src := s.State()
	if err := s.fsm.Event(context.TODO(), formEventName(src, dst)); err != nil {
		s.log.Debug("state transition rejected",
			slog.String("from", src.String()),
			slog.String("to", dst.String()),
			slog.String("error", err.Error()))
	}
}
