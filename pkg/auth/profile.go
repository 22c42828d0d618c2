package auth

// Названия привилегий, проверяемых SDK.
const (
	// PermissionUseSDK обязательная привилегия: сессия без нее немедленно
	// инвалидируется (принудительный logout)
	PermissionUseSDK = "use_sdk"
	// PermissionOutboundCalls привилегия исходящих вызовов
	PermissionOutboundCalls = "outbound_calls"
)

// Permission дескриптор привилегии, полученный от бэкенда ролей
type Permission struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// VirtualNumber виртуальный номер профиля.
// Не более одного номера помечено IsDefaultCalling - он задает
// основной идентификатор вызывающего (Primary Caller ID).
type VirtualNumber struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	CountryCode      string `json:"country_code"`
	Number           string `json:"number"`
	Location         string `json:"location"`
	Type             string `json:"type"`
	IsDefaultCalling bool   `json:"is_default_calling"`
	IsDefaultSMS     bool   `json:"is_default_sms"`
}

// E164 возвращает номер в сквозном формате: код страны + номер
func (v VirtualNumber) E164() string {
	return v.CountryCode + v.Number
}

// Profile профиль аккаунта: сигнальный edge-домен и набор виртуальных номеров
type Profile struct {
	EdgeDomain     string          `json:"edge_domain"`
	VirtualNumbers []VirtualNumber `json:"virtual_numbers"`
}

// primaryCallerID выбирает основной caller id из набора номеров.
// Пустая строка, если номер по умолчанию не назначен.
func primaryCallerID(numbers []VirtualNumber) string {
	for _, vn := range numbers {
		if vn.IsDefaultCalling {
			return vn.E164()
		}
	}
	return ""
}
