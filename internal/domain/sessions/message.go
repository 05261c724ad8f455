package sessions

// ChannelTelegram: значение поля channel в нормализованном сообщении.
const ChannelTelegram = "telegram"

// Attachment: метаданные входящего вложения. URL синтетический
// (tg://media/...), сами байты через вебхук не передаются.
type Attachment struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	MIME string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url"`
}

// Chat идентифицирует диалог, из которого пришло сообщение.
type Chat struct {
	Type string `json:"type"` // user | chat | channel
	ID   int64  `json:"id"`
}

// InboundMessage: транспортно-нейтральная запись входящего сообщения,
// тело POST на вебхук.
type InboundMessage struct {
	Tenant      string         `json:"tenant"`
	Channel     string         `json:"channel"`
	FromID      string         `json:"from_id"`
	To          string         `json:"to"`
	Chat        Chat           `json:"chat"`
	Text        string         `json:"text"`
	Attachments []Attachment   `json:"attachments"`
	Ts          int64          `json:"ts"`
	ProviderRaw map[string]any `json:"provider_raw"`
}

// OutboundAttachment: вложение исходящего сообщения, скачиваемое по URL.
type OutboundAttachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	MIME string `json:"mime,omitempty"`
}

// SendRequest: параметры исходящей отправки.
type SendRequest struct {
	Text        string
	PeerID      int64
	Username    string
	Attachments []OutboundAttachment
}
