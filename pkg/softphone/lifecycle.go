package softphone

import "sync"

// Phase — фаза жизненного цикла приложения-хозяина
type Phase int

const (
	// PhaseBackground — приложение ушло в фон
	PhaseBackground Phase = iota
	// PhaseForeground — приложение вернулось на передний план
	PhaseForeground
)

func (p Phase) String() string {
	if p == PhaseForeground {
		return "foreground"
	}
	return "background"
}

// Lifecycle — простой нотификатор фаз жизненного цикла. Приложение вызывает
// Notify при смене фазы, фасад подписывается и восстанавливает соединение
// при возврате на передний план.
type Lifecycle struct {
	mu   sync.Mutex
	next int
	subs map[int]func(Phase)
}

// NewLifecycle создает нотификатор
func NewLifecycle() *Lifecycle {
	return &Lifecycle{subs: make(map[int]func(Phase))}
}

// Subscribe регистрирует обработчик фазы и возвращает идентификатор подписки
func (l *Lifecycle) Subscribe(fn func(Phase)) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.subs[id] = fn
	return id
}

// Unsubscribe снимает подписку. Неизвестный идентификатор игнорируется
func (l *Lifecycle) Unsubscribe(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, id)
}

// Notify доставляет фазу всем подписчикам синхронно
func (l *Lifecycle) Notify(p Phase) {
	l.mu.Lock()
	fns := make([]func(Phase), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}
