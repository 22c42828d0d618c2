package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/arzzra/softphone_sdk/pkg/sdkerr"
)

// Пути REST API бэкенда идентичности
const (
	pathToken     = "/api/v1/oauth/token"
	pathRefresh   = "/api/v1/oauth/refresh"
	pathAuthorize = "/api/v1/oauth/authorize"
	pathSIP       = "/api/v1/sip/register"
	pathProfile   = "/api/v1/profile"
	pathRoles     = "/api/v1/roles"
)

const defaultHTTPTimeout = 15 * time.Second

// Client HTTP клиент бэкенда идентичности и профиля.
//
// Все запросы, кроме обмена кода и refresh, авторизуются bearer-токеном.
// Обмен кода и refresh авторизуются клиентскими учетными данными
// (base64 clientId:clientSecret в заголовке Authorization).
type Client struct {
	baseURL     string
	redirectURL string
	http        *http.Client
	log         *slog.Logger
}

// ClientOption настраивает Client
type ClientOption func(*Client)

// WithHTTPClient подменяет транспорт HTTP (для тестов)
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithRedirectURL задает redirect URL браузерного логина
func WithRedirectURL(u string) ClientOption {
	return func(c *Client) { c.redirectURL = u }
}

// WithLogger задает логгер клиента
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient создает клиент бэкенда идентичности
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		log:     slog.Default().With(slog.String("component", "auth.client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthorizeURL строит URL страницы авторизации для браузерного логина
func (c *Client) AuthorizeURL(clientID, state string) string {
	conf := oauth2.Config{
		ClientID:    clientID,
		RedirectURL: c.redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL: c.baseURL + pathAuthorize,
		},
	}
	return conf.AuthCodeURL(state)
}

// tokenPair пара токенов, возвращаемая обменом кода или refresh
type tokenPair struct {
	AccessToken  string
	RefreshToken string
}

type exchangeResponse struct {
	Success      bool   `json:"success"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ExchangeCode обменивает авторизационный код на пару токенов.
// Отказ бэкенда (401/403) трактуется как Unauthorized, не как истечение токена.
func (c *Client) ExchangeCode(ctx context.Context, code, clientID, clientSecret string) (*tokenPair, error) {
	const op = "auth.ExchangeCode"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+pathToken+"?code="+url.QueryEscape(code), nil)
	if err != nil {
		return nil, sdkerr.Unknown(op, 0, "build request", err)
	}
	req.Header.Set("Authorization", basicCredentials(clientID, clientSecret))

	var body exchangeResponse
	if err := c.do(op, req, &body, true); err != nil {
		return nil, err
	}
	if !body.Success || body.AccessToken == "" || body.RefreshToken == "" {
		return nil, sdkerr.Unknown(op, http.StatusOK, "malformed token exchange payload", nil)
	}
	return &tokenPair{AccessToken: body.AccessToken, RefreshToken: body.RefreshToken}, nil
}

type refreshResponse struct {
	Success bool   `json:"success"`
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// RefreshToken обменивает refresh-токен на новую пару токенов
func (c *Client) RefreshToken(ctx context.Context, refresh, clientID, clientSecret string) (*tokenPair, error) {
	const op = "auth.RefreshToken"

	payload, _ := json.Marshal(map[string]string{"refresh": refresh})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+pathRefresh, bytes.NewReader(payload))
	if err != nil {
		return nil, sdkerr.Unknown(op, 0, "build request", err)
	}
	req.Header.Set("Authorization", basicCredentials(clientID, clientSecret))
	req.Header.Set("Content-Type", "application/json")

	var body refreshResponse
	if err := c.do(op, req, &body, true); err != nil {
		return nil, err
	}
	if !body.Success || body.Access == "" || body.Refresh == "" {
		return nil, sdkerr.Unknown(op, http.StatusOK, "malformed refresh payload", nil)
	}
	return &tokenPair{AccessToken: body.Access, RefreshToken: body.Refresh}, nil
}

type sipResponse struct {
	Success     bool   `json:"success"`
	Username    string `json:"username"`
	AccessToken string `json:"access_token"`
}

// SIPCredentials обменивает access-токен на короткоживущие SIP учетные данные
func (c *Client) SIPCredentials(ctx context.Context, accessToken, email string) (*SIPCredentials, error) {
	const op = "auth.SIPCredentials"

	var body sipResponse
	if err := c.getBearer(ctx, op, pathSIP, accessToken, email, &body); err != nil {
		return nil, err
	}
	if !body.Success || body.Username == "" || body.AccessToken == "" {
		return nil, sdkerr.Unknown(op, http.StatusOK, "malformed sip registration payload", nil)
	}
	return &SIPCredentials{Username: body.Username, Token: body.AccessToken}, nil
}

type profileResponse struct {
	Success bool    `json:"success"`
	Data    Profile `json:"data"`
}

// Profile запрашивает профиль: edge-домен и набор виртуальных номеров
func (c *Client) Profile(ctx context.Context, accessToken, email string) (*Profile, error) {
	const op = "auth.Profile"

	var body profileResponse
	if err := c.getBearer(ctx, op, pathProfile, accessToken, email, &body); err != nil {
		return nil, err
	}
	if !body.Success || body.Data.EdgeDomain == "" {
		return nil, sdkerr.Unknown(op, http.StatusOK, "malformed profile payload", nil)
	}
	return &body.Data, nil
}

type rolesResponse struct {
	Success bool `json:"success"`
	Data    []struct {
		Permissions []Permission `json:"permissions"`
	} `json:"data"`
}

// Roles запрашивает роли и возвращает плоский набор привилегий
func (c *Client) Roles(ctx context.Context, accessToken, email string) ([]Permission, error) {
	const op = "auth.Roles"

	var body rolesResponse
	if err := c.getBearer(ctx, op, pathRoles, accessToken, email, &body); err != nil {
		return nil, err
	}
	if !body.Success {
		return nil, sdkerr.Unknown(op, http.StatusOK, "malformed roles payload", nil)
	}
	var perms []Permission
	for _, role := range body.Data {
		perms = append(perms, role.Permissions...)
	}
	return perms, nil
}

type primaryUpdateResponse struct {
	Success bool `json:"success"`
	Data    struct {
		PrimaryVirtualNumber VirtualNumber `json:"primary_virtual_number"`
		EdgeDomain           string        `json:"edge_domain"`
	} `json:"data"`
}

// PrimaryUpdate результат переключения основного caller id
type PrimaryUpdate struct {
	Number     VirtualNumber
	EdgeDomain string
}

// UpdatePrimaryVirtualNumber переключает основной виртуальный номер профиля.
// Ответ несет и edge-домен: при смене номера домен сигнального сервера
// может измениться.
func (c *Client) UpdatePrimaryVirtualNumber(ctx context.Context, accessToken, email, number string) (*PrimaryUpdate, error) {
	const op = "auth.UpdatePrimaryVirtualNumber"

	payload, _ := json.Marshal(map[string]string{"primary_vn": number})
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.baseURL+pathProfile+"?email="+url.QueryEscape(email), bytes.NewReader(payload))
	if err != nil {
		return nil, sdkerr.Unknown(op, 0, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	var body primaryUpdateResponse
	if err := c.do(op, req, &body, false); err != nil {
		return nil, err
	}
	if !body.Success || body.Data.EdgeDomain == "" {
		return nil, sdkerr.Unknown(op, http.StatusOK, "malformed profile update payload", nil)
	}
	return &PrimaryUpdate{Number: body.Data.PrimaryVirtualNumber, EdgeDomain: body.Data.EdgeDomain}, nil
}

// getBearer выполняет GET запрос с bearer-авторизацией и email параметром
func (c *Client) getBearer(ctx context.Context, op, path, accessToken, email string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?email="+url.QueryEscape(email), nil)
	if err != nil {
		return sdkerr.Unknown(op, 0, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return c.do(op, req, out, false)
}

// do выполняет запрос и маппит статусы на таксономию ошибок.
// clientAuth помечает запросы с клиентскими учетными данными (обмен кода,
// refresh): для них отказ в авторизации это Unauthorized, для остальных
// HTTP 401 означает истекший access-токен.
func (c *Client) do(op string, req *http.Request, out interface{}, clientAuth bool) error {
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("backend request failed",
			slog.String("op", op),
			slog.String("error", err.Error()))
		return sdkerr.Unknown(op, 0, "backend request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return sdkerr.Unknown(op, resp.StatusCode, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized && clientAuth:
		return sdkerr.Unauthorized(op, nil).WithDetail("body", snippet(raw))
	case resp.StatusCode == http.StatusUnauthorized:
		return sdkerr.InvalidToken(op, sdkerr.TokenExpired)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return sdkerr.Unknown(op, resp.StatusCode, snippet(raw), nil)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return sdkerr.Unknown(op, resp.StatusCode, "decode response", err)
	}
	return nil
}

func basicCredentials(clientID, clientSecret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret))
}

func snippet(raw []byte) string {
	const max = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > max {
		return s[:max]
	}
	return s
}
