// Package auth реализует менеджер OAuth2 сессии.
//
// Auth - единственный компонент, который общается с бэкендом идентичности.
// Он владеет тройкой токенов (access, refresh, email), выполняет обмен
// авторизационного кода, обновление токенов, проверку привилегий и
// предоставляет производные факты сессии: SIP учетные данные, виртуальные
// номера и основной caller id.
//
// Тройка токенов хранится как неизменяемый снапшот и подменяется атомарно,
// поэтому параллельные чтения никогда не видят частично обновленное
// состояние. Сохраненная копия в хранилище синхронизируется при каждой
// мутации.
package auth

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/arzzra/softphone_sdk/pkg/sdkerr"
	"github.com/arzzra/softphone_sdk/pkg/storage"
)

// BrowserOpener открывает URL во внешнем браузере.
// Платформенная реализация предоставляется приложением.
type BrowserOpener func(url string) error

// Auth менеджер сессии.
type Auth struct {
	client *Client
	store  storage.Store
	log    *slog.Logger

	triple atomic.Pointer[TokenTriple]

	mu             sync.Mutex
	permissions    []Permission
	virtualNumbers []VirtualNumber
	primaryCaller  string
	edgeDomain     string
	sipCreds       *SIPCredentials
}

// New создает менеджер сессии без установленной сессии
func New(client *Client, store storage.Store) *Auth {
	return &Auth{
		client: client,
		store:  store,
		log:    slog.Default().With(slog.String("component", "auth")),
	}
}

// Restore читает сохраненную тройку токенов из хранилища.
// Сетевая валидация не выполняется: проверка привилегий откладывается
// до первой операции, которой нужны подтвержденные права.
// Возвращает false, если сохраненной сессии нет.
func (a *Auth) Restore() bool {
	record, err := a.store.Load()
	if err != nil {
		a.log.Warn("session restore failed", slog.String("error", err.Error()))
		return false
	}
	if record == nil {
		return false
	}
	triple, err := UnmarshalTriple(record)
	if err != nil || !triple.Valid() {
		a.log.Warn("stored session record is not usable")
		return false
	}
	a.triple.Store(triple)
	return true
}

// LoginURL строит URL авторизации для браузерного логина.
// Завершение логина асинхронно - через обработку redirect.
func (a *Auth) LoginURL(clientID string) string {
	return a.client.AuthorizeURL(clientID, uuid.NewString())
}

// OpenBrowserLogin открывает страницу авторизации во внешнем браузере
func (a *Auth) OpenBrowserLogin(clientID string, open BrowserOpener) error {
	return open(a.LoginURL(clientID))
}

// CompleteBrowserLogin разбирает redirect URL, обменивает авторизационный
// код на тройку токенов, проверяет привилегии и сохраняет сессию.
// При провале проверки привилегий частичная сессия разбирается (logout)
// до возврата ошибки.
func (a *Auth) CompleteBrowserLogin(ctx context.Context, redirectURL, clientID, clientSecret string) error {
	const op = "auth.CompleteBrowserLogin"

	u, err := url.Parse(redirectURL)
	if err != nil || u.RawQuery == "" {
		return sdkerr.MissingParameter(op, "redirectUrl")
	}
	q := u.Query()
	code := q.Get("code")
	email := q.Get("email")
	if code == "" {
		return sdkerr.MissingParameter(op, "code")
	}
	if email == "" {
		return sdkerr.MissingParameter(op, "email")
	}

	pair, err := a.client.ExchangeCode(ctx, code, clientID, clientSecret)
	if err != nil {
		return err
	}

	a.triple.Store(&TokenTriple{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Email:        email,
	})

	if err := a.VerifyPermissions(ctx); err != nil {
		a.Logout()
		return err
	}
	a.persist()
	return nil
}

// DirectLogin принимает учетные данные, полученные вне SDK.
//
// Истекший access-токен при наличии клиентских учетных данных обновляется
// немедленно, до проверки привилегий; без них логин завершается
// InvalidToken(EXPIRED). Структурно некорректный токен отклоняется без
// попытки обновления. Любой провал верификации разбирает частичную сессию.
func (a *Auth) DirectLogin(ctx context.Context, accessToken, email, refreshToken, clientID, clientSecret string) error {
	const op = "auth.DirectLogin"

	if accessToken == "" {
		return sdkerr.MissingParameter(op, "accessToken")
	}
	if email == "" {
		return sdkerr.MissingParameter(op, "email")
	}
	if refreshToken == "" {
		return sdkerr.MissingParameter(op, "refreshToken")
	}
	if !TokenParsable(accessToken) {
		return sdkerr.InvalidToken(op, sdkerr.TokenInvalid)
	}

	a.triple.Store(&TokenTriple{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Email:        email,
	})

	if TokenExpired(accessToken) {
		if clientID == "" || clientSecret == "" {
			a.triple.Store(nil)
			return sdkerr.InvalidToken(op, sdkerr.TokenExpired)
		}
		if !a.Refresh(ctx, clientID, clientSecret) {
			a.Logout()
			return sdkerr.InvalidToken(op, sdkerr.TokenExpired)
		}
		// Refresh уже проверил привилегии и сохранил тройку
		return nil
	}

	if err := a.VerifyPermissions(ctx); err != nil {
		a.Logout()
		return err
	}
	a.persist()
	return nil
}

// Refresh обменивает refresh-токен на новую тройку и перепроверяет привилегии.
//
// Возвращает булев результат вместо ошибки: false означает, что сессия
// в рамках текущей попытки невосстановима (нет refresh-токена, бэкенд
// отверг обновление, сетевая ошибка или провал перепроверки привилегий).
// Решение об эскалации до logout принимает вызывающий.
func (a *Auth) Refresh(ctx context.Context, clientID, clientSecret string) bool {
	triple := a.triple.Load()
	if triple == nil || triple.RefreshToken == "" {
		a.log.Debug("refresh skipped: no refresh token held")
		return false
	}

	pair, err := a.client.RefreshToken(ctx, triple.RefreshToken, clientID, clientSecret)
	if err != nil {
		a.log.Debug("refresh rejected", slog.String("error", err.Error()))
		return false
	}

	a.triple.Store(&TokenTriple{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Email:        triple.Email,
	})
	a.persist()

	if err := a.VerifyPermissions(ctx); err != nil {
		a.log.Debug("post-refresh verification failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// RegisterSIPIdentity обменивает текущий access-токен на короткоживущие
// SIP учетные данные для регистрации на сигнальном сервере
func (a *Auth) RegisterSIPIdentity(ctx context.Context) (*SIPCredentials, error) {
	const op = "auth.RegisterSIPIdentity"

	triple := a.triple.Load()
	if triple == nil || triple.AccessToken == "" {
		return nil, sdkerr.InvalidToken(op, sdkerr.TokenInvalid)
	}
	creds, err := a.client.SIPCredentials(ctx, triple.AccessToken, triple.Email)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.sipCreds = creds
	a.mu.Unlock()
	return creds, nil
}

// FetchProfile запрашивает профиль: edge-домен и виртуальные номера.
// Кэшированный набор номеров замещается целиком, основной caller id
// пересчитывается по номеру с флагом default-calling.
func (a *Auth) FetchProfile(ctx context.Context) (*Profile, error) {
	const op = "auth.FetchProfile"

	triple := a.triple.Load()
	if triple == nil || triple.AccessToken == "" {
		return nil, sdkerr.InvalidToken(op, sdkerr.TokenInvalid)
	}
	profile, err := a.client.Profile(ctx, triple.AccessToken, triple.Email)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.virtualNumbers = profile.VirtualNumbers
	a.primaryCaller = primaryCallerID(profile.VirtualNumbers)
	a.edgeDomain = profile.EdgeDomain
	a.mu.Unlock()

	return profile, nil
}

// UpdatePrimaryVirtualNumber переключает основной caller id профиля.
// Возвращает edge-домен из ответа: он мог смениться вместе с номером.
func (a *Auth) UpdatePrimaryVirtualNumber(ctx context.Context, number string) (string, error) {
	const op = "auth.UpdatePrimaryVirtualNumber"

	triple := a.triple.Load()
	if triple == nil || triple.AccessToken == "" {
		return "", sdkerr.InvalidToken(op, sdkerr.TokenInvalid)
	}
	update, err := a.client.UpdatePrimaryVirtualNumber(ctx, triple.AccessToken, triple.Email, number)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.primaryCaller = update.Number.E164()
	a.edgeDomain = update.EdgeDomain
	a.mu.Unlock()

	return update.EdgeDomain, nil
}

// VerifyPermissions запрашивает роли и перезаписывает набор привилегий.
// Отсутствие привилегии использования SDK - жесткий барьер: сессия
// принудительно разбирается и возвращается PermissionDenied.
func (a *Auth) VerifyPermissions(ctx context.Context) error {
	const op = "auth.VerifyPermissions"

	triple := a.triple.Load()
	if triple == nil || triple.AccessToken == "" {
		return sdkerr.InvalidToken(op, sdkerr.TokenInvalid)
	}
	perms, err := a.client.Roles(ctx, triple.AccessToken, triple.Email)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.permissions = perms
	a.mu.Unlock()

	if !a.HasPermission(PermissionUseSDK) {
		a.Logout()
		return sdkerr.PermissionDenied(op, PermissionUseSDK)
	}
	return nil
}

// HasPermission проверяет наличие привилегии в текущем наборе
func (a *Auth) HasPermission(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.permissions {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Logout очищает тройку токенов, набор привилегий, кэш профиля и
// сохраненную запись. Идемпотентен.
func (a *Auth) Logout() {
	a.triple.Store(nil)

	a.mu.Lock()
	a.permissions = nil
	a.virtualNumbers = nil
	a.primaryCaller = ""
	a.edgeDomain = ""
	a.sipCreds = nil
	a.mu.Unlock()

	if err := a.store.Clear(); err != nil {
		a.log.Warn("clear session storage failed", slog.String("error", err.Error()))
	}
}

// LoggedIn проверяет, установлена ли сессия
func (a *Auth) LoggedIn() bool {
	return a.triple.Load().Valid()
}

// Email возвращает идентификационный email текущей сессии
func (a *Auth) Email() string {
	if t := a.triple.Load(); t != nil {
		return t.Email
	}
	return ""
}

// AccessToken возвращает текущий access-токен
func (a *Auth) AccessToken() string {
	if t := a.triple.Load(); t != nil {
		return t.AccessToken
	}
	return ""
}

// AccessTokenExpired проверяет, истек ли текущий access-токен
func (a *Auth) AccessTokenExpired() bool {
	t := a.triple.Load()
	return t == nil || TokenExpired(t.AccessToken)
}

// VirtualNumbers возвращает кэшированный набор виртуальных номеров.
// Чистое чтение, без сетевого вызова.
func (a *Auth) VirtualNumbers() []VirtualNumber {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]VirtualNumber, len(a.virtualNumbers))
	copy(out, a.virtualNumbers)
	return out
}

// PrimaryCallerID возвращает основной caller id (код страны + номер).
// Пустая строка, если номер по умолчанию не назначен.
func (a *Auth) PrimaryCallerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.primaryCaller
}

// EdgeDomain возвращает кэшированный сигнальный edge-домен
func (a *Auth) EdgeDomain() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.edgeDomain
}

// SIPCreds возвращает последние полученные SIP учетные данные
func (a *Auth) SIPCreds() *SIPCredentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sipCreds
}

// persist синхронизирует сохраненную копию тройки с текущим снапшотом
func (a *Auth) persist() {
	triple := a.triple.Load()
	if triple == nil {
		return
	}
	record, err := triple.Marshal()
	if err != nil {
		a.log.Warn("persist session failed", slog.String("error", err.Error()))
		return
	}
	if err := a.store.Save(record); err != nil {
		a.log.Warn("persist session failed", slog.String("error", err.Error()))
	}
}
