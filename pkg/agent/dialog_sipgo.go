package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// Максимальное ожидание финального ответа на invite
const inviteAnswerWait = 2 * time.Minute

// sipgoDialog диалог поверх sipgo. Для входящих хранит серверную
// транзакцию invite, для исходящих - отправляемый invite запрос.
type sipgoDialog struct {
	t      *sipgoTransport
	req    *sip.Request
	stx    sip.ServerTransaction // только для входящих
	remote string
	id     string
	log    *slog.Logger

	cbMu         sync.Mutex
	onProgress   func()
	onAnswered   func()
	onTerminated func()

	inviteRes  *sip.Response // финальный 2xx, для ACK и BYE
	terminated atomic.Bool
}

// Проверяем, что sipgoDialog реализует интерфейс OutboundDialog
var _ OutboundDialog = (*sipgoDialog)(nil)

func newSipgoDialog(t *sipgoTransport, req *sip.Request, stx sip.ServerTransaction, remote string) *sipgoDialog {
	id := callIDOf(req)
	return &sipgoDialog{
		t:      t,
		req:    req,
		stx:    stx,
		remote: remote,
		id:     id,
		log: slog.Default().With(
			slog.String("component", "agent.dialog"),
			slog.String("call_id", id),
		),
	}
}

// ID возвращает Call-ID диалога
func (d *sipgoDialog) ID() string {
	return d.id
}

// RemoteParty возвращает идентификатор удаленной стороны
func (d *sipgoDialog) RemoteParty() string {
	return d.remote
}

// Send отправляет invite и следит за ответами в фоне
func (d *sipgoDialog) Send(ctx context.Context) error {
	if d.stx != nil {
		return errors.New("send on inbound dialog")
	}
	tx, err := d.t.client.TransactionRequest(ctx, d.req, sipgo.ClientRequestAddVia)
	if err != nil {
		d.fireTerminated()
		return errors.Wrap(err, "send INVITE")
	}
	go d.awaitAnswer(tx)
	return nil
}

func (d *sipgoDialog) awaitAnswer(tx sip.ClientTransaction) {
	defer tx.Terminate()
	deadline := time.After(inviteAnswerWait)
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				d.fireTerminated()
				return
			}
			switch {
			case res.StatusCode < 200:
				if res.StatusCode == 180 || res.StatusCode == 183 {
					d.fireProgress()
				}
			case res.StatusCode < 300:
				d.inviteRes = res
				ack := sip.NewAckRequest(d.req, res, nil)
				if err := d.t.client.WriteRequest(ack); err != nil {
					d.log.Debug("ACK failed", slog.String("error", err.Error()))
				}
				d.fireAnswered()
			default:
				d.log.Debug("INVITE rejected", slog.Int("status", int(res.StatusCode)))
				d.fireTerminated()
				return
			}
		case <-tx.Done():
			d.fireTerminated()
			return
		case <-deadline:
			d.log.Debug("INVITE answer timed out")
			d.fireTerminated()
			return
		}
	}
}

// Accept отвечает на входящий invite
func (d *sipgoDialog) Accept(ctx context.Context, contentType string, body []byte) error {
	if d.stx == nil {
		return errors.New("accept on outbound dialog")
	}
	res := sip.NewResponseFromRequest(d.req, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", contentType))
	if err := d.stx.Respond(res); err != nil {
		return errors.Wrap(err, "respond 200")
	}
	d.fireAnswered()
	return nil
}

// Reject отклоняет входящий invite
func (d *sipgoDialog) Reject(ctx context.Context) error {
	if d.stx == nil {
		return errors.New("reject on outbound dialog")
	}
	res := sip.NewResponseFromRequest(d.req, 603, "Decline", nil)
	err := d.stx.Respond(res)
	d.fireTerminated()
	return errors.Wrap(err, "respond 603")
}

// Cancel отменяет неотвеченный исходящий invite
func (d *sipgoDialog) Cancel(ctx context.Context) error {
	if d.stx != nil {
		return errors.New("cancel on inbound dialog")
	}
	cancel := sip.NewCancelRequest(d.req)
	tx, err := d.t.client.TransactionRequest(ctx, cancel)
	if err != nil {
		d.fireTerminated()
		return errors.Wrap(err, "send CANCEL")
	}
	tx.Terminate()
	d.fireTerminated()
	return nil
}

// Bye завершает установленный вызов
func (d *sipgoDialog) Bye(ctx context.Context) error {
	bye := d.newBye()
	tx, err := d.t.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		d.fireTerminated()
		return errors.Wrap(err, "send BYE")
	}
	go func() {
		defer tx.Terminate()
		select {
		case <-tx.Responses():
		case <-time.After(transactionWait):
		}
		d.fireTerminated()
	}()
	return nil
}

// newBye строит BYE в рамках диалога: те же Call-ID и участники,
// следующий CSeq
func (d *sipgoDialog) newBye() *sip.Request {
	target := d.req.Recipient
	if d.stx != nil {
		if c := d.req.Contact(); c != nil {
			target = c.Address
		}
	} else if d.inviteRes != nil {
		if c := d.inviteRes.Contact(); c != nil {
			target = c.Address
		}
	}

	bye := sip.NewRequest(sip.BYE, target)
	if from := d.req.From(); from != nil {
		if d.stx != nil {
			// Для входящего диалога мы отвечавшая сторона: меняем направление
			bye.AppendHeader(&sip.FromHeader{Address: d.t.localURI(),
				Params: sip.NewParams().Add("tag", d.id)})
			bye.AppendHeader(&sip.ToHeader{Address: from.Address, Params: from.Params})
		} else {
			bye.AppendHeader(from)
			if to := d.req.To(); to != nil {
				bye.AppendHeader(to)
			}
		}
	}
	if cid := d.req.CallID(); cid != nil {
		bye.AppendHeader(cid)
	}
	seq := uint32(2)
	if cs := d.req.CSeq(); cs != nil {
		seq = cs.SeqNo + 1
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})
	return bye
}

//--------------- callbacks ------------------

func (d *sipgoDialog) OnProgress(fn func()) {
	d.cbMu.Lock()
	d.onProgress = fn
	d.cbMu.Unlock()
}

func (d *sipgoDialog) OnAnswered(fn func()) {
	d.cbMu.Lock()
	d.onAnswered = fn
	d.cbMu.Unlock()
}

func (d *sipgoDialog) OnTerminated(fn func()) {
	d.cbMu.Lock()
	d.onTerminated = fn
	d.cbMu.Unlock()
}

func (d *sipgoDialog) fireProgress() {
	d.cbMu.Lock()
	fn := d.onProgress
	d.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *sipgoDialog) fireAnswered() {
	d.cbMu.Lock()
	fn := d.onAnswered
	d.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *sipgoDialog) fireTerminated() {
	if !d.terminated.CompareAndSwap(false, true) {
		return
	}
	d.t.untrackDialog(d.id)
	d.cbMu.Lock()
	fn := d.onTerminated
	d.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}
