package auth

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// TokenTriple тройка сессионных токенов: access, refresh и идентификационный
// email. Значение неизменяемо: обновление токенов порождает новый снапшот,
// который подменяется целиком, а не мутируется по полям.
//
// Инвариант: после установления сессии refresh-токен обязателен - тройка
// без него не подлежит автоматическому продлению и считается терминальной
// при истечении access-токена.
type TokenTriple struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Email        string `json:"email"`
}

// Valid проверяет, что все три компонента тройки заполнены
func (t *TokenTriple) Valid() bool {
	return t != nil && t.AccessToken != "" && t.RefreshToken != "" && t.Email != ""
}

// Marshal сериализует тройку в запись хранилища
func (t *TokenTriple) Marshal() ([]byte, error) {
	raw, err := json.Marshal(t)
	return raw, errors.Wrap(err, "marshal token triple")
}

// UnmarshalTriple восстанавливает тройку из записи хранилища
func UnmarshalTriple(record []byte) (*TokenTriple, error) {
	var t TokenTriple
	if err := json.Unmarshal(record, &t); err != nil {
		return nil, errors.Wrap(err, "unmarshal token triple")
	}
	return &t, nil
}

// SIPCredentials короткоживущие учетные данные для регистрации на
// сигнальном сервере. Получаются обменом access-токена и перевыпускаются
// при каждом его обновлении.
type SIPCredentials struct {
	Username string
	Token    string
}

// jwtParser без верификации подписи: проверка подписи - ответственность
// бэкенда, здесь токен инспектируется только на структуру и срок действия.
var jwtParser = jwt.NewParser()

// TokenParsable проверяет, что токен структурно корректен (разбирается как JWT)
func TokenParsable(raw string) bool {
	if raw == "" {
		return false
	}
	_, _, err := jwtParser.ParseUnverified(raw, jwt.MapClaims{})
	return err == nil
}

// TokenExpired проверяет, истек ли срок действия токена по его exp claim.
// Токен без exp считается неистекшим; неразбираемый токен - истекшим.
func TokenExpired(raw string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwtParser.ParseUnverified(raw, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(time.Now())
}
