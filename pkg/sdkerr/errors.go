// Package sdkerr определяет таксономию ошибок SDK.
//
// Все публичные операции SDK возвращают ошибки одного из перечисленных
// видов (Kind). Приложение может ветвиться по виду ошибки через
// предикаты (IsInvalidToken, IsPermissionDenied и т.д.), не разбирая
// текст сообщения.
package sdkerr

import (
	"fmt"
)

// Kind классифицирует ошибку SDK.
type Kind string

const (
	// KindMissingParameter - обязательный входной параметр отсутствует
	KindMissingParameter Kind = "MISSING_PARAMETER"
	// KindInvalidValue - параметр передан, но не проходит валидацию формата
	KindInvalidValue Kind = "INVALID_VALUE"
	// KindUnauthorized - сам шаг аутентификации завершился неудачей
	// (не путать с истечением токена)
	KindUnauthorized Kind = "UNAUTHORIZED"
	// KindInvalidToken - токен некорректен или истек (см. TokenReason)
	KindInvalidToken Kind = "INVALID_TOKEN"
	// KindPermissionDenied - аутентификация пройдена, но нет нужной привилегии
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	// KindUnknown - неклассифицированная ошибка бэкенда или транспорта
	KindUnknown Kind = "UNKNOWN"
)

// String возвращает строковое представление вида ошибки
func (k Kind) String() string {
	return string(k)
}

// TokenReason уточняет причину KindInvalidToken.
type TokenReason string

const (
	// TokenInvalid - токен структурно некорректен, не подлежит разбору
	TokenInvalid TokenReason = "INVALID"
	// TokenExpired - токен структурно корректен, но срок действия истек
	TokenExpired TokenReason = "EXPIRED"
)

// Error структурированная ошибка SDK с контекстом операции.
type Error struct {
	// Kind вид ошибки
	Kind Kind `json:"kind"`
	// Op имя операции-источника (например, "auth.DirectLogin")
	Op string `json:"op"`
	// Param имя параметра, вызвавшего ошибку (для валидационных ошибок)
	Param string `json:"param,omitempty"`
	// Reason причина для KindInvalidToken
	Reason TokenReason `json:"reason,omitempty"`
	// Status HTTP статус бэкенда (для KindUnknown)
	Status int `json:"status,omitempty"`
	// Message человекочитаемое сообщение
	Message string `json:"message,omitempty"`
	// Details дополнительные поля для диагностики
	Details map[string]interface{} `json:"details,omitempty"`
	// Cause исходная ошибка
	Cause error `json:"-"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	switch {
	case e.Kind == KindInvalidToken && e.Reason != "":
		return fmt.Sprintf("%s: [%s:%s] %s", e.Op, e.Kind, e.Reason, e.Message)
	case e.Param != "":
		return fmt.Sprintf("%s: [%s] %s: %s", e.Op, e.Kind, e.Param, e.Message)
	default:
		return fmt.Sprintf("%s: [%s] %s", e.Op, e.Kind, e.Message)
	}
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail добавляет поле диагностики к ошибке
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// MissingParameter создает ошибку отсутствующего обязательного параметра
func MissingParameter(op, param string) *Error {
	return &Error{
		Kind:    KindMissingParameter,
		Op:      op,
		Param:   param,
		Message: "required parameter is missing",
	}
}

// InvalidValue создает ошибку некорректного значения параметра
func InvalidValue(op, param, message string) *Error {
	return &Error{
		Kind:    KindInvalidValue,
		Op:      op,
		Param:   param,
		Message: message,
	}
}

// Unauthorized создает ошибку неудачной аутентификации
func Unauthorized(op string, cause error) *Error {
	return &Error{
		Kind:    KindUnauthorized,
		Op:      op,
		Message: "authentication failed",
		Cause:   cause,
	}
}

// InvalidToken создает ошибку некорректного или истекшего токена
func InvalidToken(op string, reason TokenReason) *Error {
	msg := "token is not valid"
	if reason == TokenExpired {
		msg = "token has expired"
	}
	return &Error{
		Kind:    KindInvalidToken,
		Op:      op,
		Reason:  reason,
		Message: msg,
	}
}

// PermissionDenied создает ошибку отсутствия привилегии
func PermissionDenied(op, permission string) *Error {
	return &Error{
		Kind:    KindPermissionDenied,
		Op:      op,
		Param:   permission,
		Message: "required permission is not granted",
	}
}

// Unknown создает неклассифицированную ошибку с деталями ответа
func Unknown(op string, status int, message string, cause error) *Error {
	if message == "" {
		message = "unexpected backend response"
	}
	return &Error{
		Kind:    KindUnknown,
		Op:      op,
		Status:  status,
		Message: message,
		Cause:   cause,
	}
}

// KindOf извлекает вид ошибки. Для ошибок вне таксономии возвращает KindUnknown,
// для nil - пустой Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindUnknown
}

// IsInvalidToken проверяет, что ошибка вызвана некорректным или истекшим токеном
func IsInvalidToken(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindInvalidToken
}

// IsTokenExpired проверяет, что ошибка вызвана именно истечением токена
func IsTokenExpired(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindInvalidToken && e.Reason == TokenExpired
}

// IsUnauthorized проверяет, что ошибка вызвана провалом аутентификации
func IsUnauthorized(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindUnauthorized
}

// IsPermissionDenied проверяет, что ошибка вызвана отсутствием привилегии
func IsPermissionDenied(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindPermissionDenied
}

// IsValidation проверяет, что ошибка валидационная (не подлежит повторным попыткам)
func IsValidation(err error) bool {
	e, ok := err.(*Error)
	return ok && (e.Kind == KindMissingParameter || e.Kind == KindInvalidValue)
}

// IsTaxonomy проверяет, что ошибка принадлежит таксономии SDK
func IsTaxonomy(err error) bool {
	_, ok := err.(*Error)
	return ok
}
