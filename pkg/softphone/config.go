package softphone

import (
	"log/slog"
	"sync"

	"github.com/arzzra/softphone_sdk/pkg/sdkerr"
)

// Процессная конфигурация SDK: клиентские учетные данные.
//
// Браузерный логин и обработка redirect вызываются до того, как существует
// хоть один экземпляр сессии, поэтому учетные данные хранятся как явный
// узкоспециализированный синглтон с семантикой "инициализировать один раз".
// ResetConfig предназначен для тестов.
var sdkConfig struct {
	mu           sync.Mutex
	clientID     string
	clientSecret string
	configured   bool
}

// Configure записывает клиентские учетные данные SDK. Первый вызов
// побеждает: повторный вызов с другими значениями предупреждает в лог
// и ничего не меняет.
func Configure(clientID, clientSecret string) error {
	const op = "softphone.Configure"
	if clientID == "" {
		return sdkerr.MissingParameter(op, "clientId")
	}
	if clientSecret == "" {
		return sdkerr.MissingParameter(op, "clientSecret")
	}

	sdkConfig.mu.Lock()
	defer sdkConfig.mu.Unlock()
	if sdkConfig.configured {
		if sdkConfig.clientID != clientID || sdkConfig.clientSecret != clientSecret {
			slog.Warn("sdk already configured, ignoring new client credentials")
		}
		return nil
	}
	sdkConfig.clientID = clientID
	sdkConfig.clientSecret = clientSecret
	sdkConfig.configured = true
	return nil
}

// Credentials возвращает сохраненные клиентские учетные данные
func Credentials() (clientID, clientSecret string, ok bool) {
	sdkConfig.mu.Lock()
	defer sdkConfig.mu.Unlock()
	return sdkConfig.clientID, sdkConfig.clientSecret, sdkConfig.configured
}

// ResetConfig сбрасывает конфигурацию SDK. Только для тестов.
func ResetConfig() {
	sdkConfig.mu.Lock()
	defer sdkConfig.mu.Unlock()
	sdkConfig.clientID = ""
	sdkConfig.clientSecret = ""
	sdkConfig.configured = false
}
