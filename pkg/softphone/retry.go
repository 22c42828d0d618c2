package softphone

import (
	"context"

	"github.com/arzzra/softphone_sdk/pkg/sdkerr"
)

// withAuthRetry выполняет операцию с одноразовым восстановлением токена:
// при ошибке INVALID_TOKEN делается один refresh и один повтор. Повторный
// отказ (или неудачный refresh) завершает сессию через Logout и возвращает
// UNAUTHORIZED. Рекурсии нет: второй INVALID_TOKEN терминален.
func (sp *Softphone) withAuthRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil || !sdkerr.IsInvalidToken(err) {
		return err
	}

	clientID, clientSecret, ok := Credentials()
	if !ok || !sp.auth.Refresh(ctx, clientID, clientSecret) {
		sp.log.Warn("token refresh failed, terminating session", "op", op)
		sp.auth.Logout()
		return sdkerr.Unauthorized(op, err)
	}

	err = fn(ctx)
	if err != nil && sdkerr.IsInvalidToken(err) {
		sp.log.Warn("operation rejected after refresh, terminating session", "op", op)
		sp.auth.Logout()
		return sdkerr.Unauthorized(op, err)
	}
	return err
}
