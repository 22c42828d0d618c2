package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SignalingPort фиксированный порт защищенного WebSocket сигнального сервера
const SignalingPort = 8089

// Протокольные метаданные запросов
const (
	headerAccessToken   = "X-Access-Token"
	headerTransactionID = "X-Transaction-ID"
	headerJobID         = "X-Job-ID"
	headerRefID         = "X-Ref-ID"
)

const transactionWait = 32 * time.Second

// sipgoTransport транспорт поверх sipgo: wss соединение к edge-домену.
type sipgoTransport struct {
	domain string
	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server
	log    *slog.Logger

	state atomic.Value // TransportState

	cbMu           sync.Mutex
	onConnState    func(TransportState, error)
	onRegistered   func()
	onUnregistered func()
	onIncoming     func(Dialog)

	// username текущей регистрации, для From/To заголовков
	userMu   sync.Mutex
	username string

	// активные диалоги по Call-ID, для маршрутизации BYE/CANCEL
	dialogsMu sync.Mutex
	dialogs   map[string]*sipgoDialog
}

// Проверяем, что sipgoTransport реализует интерфейс Transport
var _ Transport = (*sipgoTransport)(nil)

// NewSIPGoTransport создает транспорт к указанному edge-домену
func NewSIPGoTransport(domain string) (Transport, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("softphone_sdk/1.0"))
	if err != nil {
		return nil, errors.Wrap(err, "init UA")
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, errors.Wrap(err, "new client")
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "new server")
	}

	t := &sipgoTransport{
		domain:  domain,
		ua:      ua,
		client:  client,
		server:  server,
		dialogs: make(map[string]*sipgoDialog),
		log: slog.Default().With(
			slog.String("component", "agent.transport"),
			slog.String("domain", domain),
		),
	}
	t.state.Store(TransportDisconnected)

	server.OnInvite(t.handleInvite)
	server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {})
	server.OnBye(t.handleBye)
	server.OnCancel(t.handleCancel)

	return t, nil
}

// serverURI адрес сигнального сервера
func (t *sipgoTransport) serverURI() sip.Uri {
	return sip.Uri{
		Host:      t.domain,
		Port:      SignalingPort,
		UriParams: sip.NewParams().Add("transport", "ws"),
	}
}

// localURI адрес зарегистрированного пользователя
func (t *sipgoTransport) localURI() sip.Uri {
	t.userMu.Lock()
	user := t.username
	t.userMu.Unlock()
	return sip.Uri{User: user, Host: t.domain, Port: SignalingPort}
}

// Connect проверяет достижимость edge через OPTIONS и помечает транспорт
// подключенным. Само wss соединение sipgo устанавливает при первом запросе
// и держит открытым.
func (t *sipgoTransport) Connect(ctx context.Context) error {
	t.setState(TransportConnecting, nil)

	req := sip.NewRequest(sip.OPTIONS, t.serverURI())
	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		t.setState(TransportDisconnected, err)
		return errors.Wrap(err, "connect signaling transport")
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
		t.setState(TransportDisconnected, ctx.Err())
		return ctx.Err()
	case res := <-tx.Responses():
		// Любой ответ означает живой транспорт
		t.log.Debug("edge probe answered", slog.Int("status", int(res.StatusCode)))
		t.setState(TransportConnected, nil)
		return nil
	case <-time.After(transactionWait):
		err := errors.New("edge probe timed out")
		t.setState(TransportDisconnected, err)
		return err
	}
}

// Close разрывает транспорт
func (t *sipgoTransport) Close() error {
	t.setState(TransportDisconnected, nil)
	return t.ua.Close()
}

// State возвращает текущее транспортное состояние
func (t *sipgoTransport) State() TransportState {
	return t.state.Load().(TransportState)
}

// Register отправляет REGISTER с SIP токеном в метаданных
func (t *sipgoTransport) Register(ctx context.Context, params RegisterParams) error {
	t.userMu.Lock()
	t.username = params.Username
	t.userMu.Unlock()

	req := t.newRegister(params.Username, params.Token, params.ExpirySec)
	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return errors.Wrap(err, "send REGISTER")
	}

	go t.awaitRegister(tx)
	return nil
}

// Unregister отправляет REGISTER с нулевым Expires
func (t *sipgoTransport) Unregister(ctx context.Context) error {
	t.userMu.Lock()
	user := t.username
	t.userMu.Unlock()

	req := t.newRegister(user, "", 0)
	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return errors.Wrap(err, "send unREGISTER")
	}

	go func() {
		defer tx.Terminate()
		select {
		case <-tx.Responses():
		case <-time.After(transactionWait):
		}
		t.fireUnregistered()
	}()
	return nil
}

func (t *sipgoTransport) newRegister(username, token string, expirySec int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, t.serverURI())
	local := sip.Uri{User: username, Host: t.domain, Port: SignalingPort}
	req.AppendHeader(&sip.FromHeader{
		Address: local,
		Params:  sip.NewParams().Add("tag", fmt.Sprintf("%d", time.Now().UnixNano())),
	})
	req.AppendHeader(&sip.ToHeader{Address: local})
	req.AppendHeader(&sip.ContactHeader{Address: local})
	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	expires := sip.ExpiresHeader(expirySec)
	req.AppendHeader(&expires)
	if token != "" {
		req.AppendHeader(sip.NewHeader(headerAccessToken, token))
	}
	return req
}

func (t *sipgoTransport) awaitRegister(tx sip.ClientTransaction) {
	defer tx.Terminate()
	select {
	case res := <-tx.Responses():
		if res == nil {
			t.fireUnregistered()
			return
		}
		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			t.fireRegistered()
		case res.StatusCode >= 300:
			t.log.Debug("REGISTER rejected", slog.Int("status", int(res.StatusCode)))
			t.fireUnregistered()
		}
	case <-time.After(transactionWait):
		t.log.Debug("REGISTER timed out")
		t.fireUnregistered()
	}
}

// NewInvite создает исходящий диалог. Invite не отправляется до Send.
func (t *sipgoTransport) NewInvite(params InviteParams) (OutboundDialog, error) {
	target := sip.Uri{
		User:      params.Destination,
		Host:      params.Domain,
		Port:      SignalingPort,
		UriParams: sip.NewParams().Add("transport", "ws"),
	}
	req := sip.NewRequest(sip.INVITE, target)
	req.AppendHeader(&sip.FromHeader{
		Address: t.localURI(),
		Params:  sip.NewParams().Add("tag", fmt.Sprintf("%d", time.Now().UnixNano())),
	})
	req.AppendHeader(&sip.ToHeader{Address: target})
	req.AppendHeader(&sip.ContactHeader{Address: t.localURI()})
	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(sip.NewHeader(headerAccessToken, params.Token))
	if params.TransactionID != "" {
		req.AppendHeader(sip.NewHeader(headerTransactionID, params.TransactionID))
	}
	if params.JobID != "" {
		req.AppendHeader(sip.NewHeader(headerJobID, params.JobID))
	}
	if params.RefID != "" {
		req.AppendHeader(sip.NewHeader(headerRefID, params.RefID))
	}

	d := newSipgoDialog(t, req, nil, params.Destination)
	t.trackDialog(d)
	return d, nil
}

//--------------- server handlers ------------------

func (t *sipgoTransport) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	remote := ""
	if from := req.From(); from != nil {
		remote = from.Address.User
	}

	d := newSipgoDialog(t, req, tx, remote)
	t.trackDialog(d)

	// 180 Ringing немедленно: edge ждет подтверждения доставки
	if err := tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil)); err != nil {
		t.log.Debug("ringing response failed", slog.String("error", err.Error()))
	}

	t.cbMu.Lock()
	fn := t.onIncoming
	t.cbMu.Unlock()
	if fn != nil {
		fn(d)
	}
}

func (t *sipgoTransport) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		t.log.Debug("bye response failed", slog.String("error", err.Error()))
	}
	t.finishDialog(callIDOf(req))
}

func (t *sipgoTransport) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		t.log.Debug("cancel response failed", slog.String("error", err.Error()))
	}
	t.finishDialog(callIDOf(req))
}

//--------------- dialog registry ------------------

func (t *sipgoTransport) trackDialog(d *sipgoDialog) {
	t.dialogsMu.Lock()
	t.dialogs[d.id] = d
	t.dialogsMu.Unlock()
}

func (t *sipgoTransport) untrackDialog(id string) {
	t.dialogsMu.Lock()
	delete(t.dialogs, id)
	t.dialogsMu.Unlock()
}

func (t *sipgoTransport) finishDialog(id string) {
	t.dialogsMu.Lock()
	d := t.dialogs[id]
	t.dialogsMu.Unlock()
	if d != nil {
		d.fireTerminated()
	}
}

//--------------- callbacks ------------------

func (t *sipgoTransport) OnConnectionState(fn func(TransportState, error)) {
	t.cbMu.Lock()
	t.onConnState = fn
	t.cbMu.Unlock()
}

func (t *sipgoTransport) OnRegistered(fn func()) {
	t.cbMu.Lock()
	t.onRegistered = fn
	t.cbMu.Unlock()
}

func (t *sipgoTransport) OnUnregistered(fn func()) {
	t.cbMu.Lock()
	t.onUnregistered = fn
	t.cbMu.Unlock()
}

func (t *sipgoTransport) OnIncomingDialog(fn func(Dialog)) {
	t.cbMu.Lock()
	t.onIncoming = fn
	t.cbMu.Unlock()
}

func (t *sipgoTransport) setState(s TransportState, err error) {
	if t.state.Load().(TransportState) == s {
		return
	}
	t.state.Store(s)
	t.cbMu.Lock()
	fn := t.onConnState
	t.cbMu.Unlock()
	if fn != nil {
		fn(s, err)
	}
}

func (t *sipgoTransport) fireRegistered() {
	t.cbMu.Lock()
	fn := t.onRegistered
	t.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *sipgoTransport) fireUnregistered() {
	t.cbMu.Lock()
	fn := t.onUnregistered
	t.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
