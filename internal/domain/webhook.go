/**
 * @description
 * Go structs that model the raw webhook payloads received from WhatsApp Cloud and the
 * M-Pesa Daraja STK callback. Handlers decode into these and normalize them into
 * InboundChatMessage and PaymentCallback before publishing.
 */
package domain

import "encoding/json"

// WhatsAppWebhook is the top-level payload posted by WhatsApp Cloud.
type WhatsAppWebhook struct {
	Object string          `json:"object"`
	Entry  []WhatsAppEntry `json:"entry"`
}

type WhatsAppEntry struct {
	ID      string           `json:"id"`
	Changes []WhatsAppChange `json:"changes"`
}

type WhatsAppChange struct {
	Field string              `json:"field"`
	Value WhatsAppChangeValue `json:"value"`
}

type WhatsAppChangeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Messages         []WhatsAppMessage `json:"messages,omitempty"`
	Statuses         []json.RawMessage `json:"statuses,omitempty"`
}

// WhatsAppMessage is one inbound message.
type WhatsAppMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image       *WhatsAppMedia `json:"image,omitempty"`
	Document    *WhatsAppMedia `json:"document,omitempty"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
	} `json:"interactive,omitempty"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button,omitempty"`
}

type WhatsAppMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

// DarajaCallback is the STK push result posted by M-Pesa.
type DarajaCallback struct {
	Body struct {
		STKCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []DarajaItem `json:"Item"`
			} `json:"CallbackMetadata,omitempty"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// DarajaItem is a name/value pair in the callback metadata.
type DarajaItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// NormalizedPaymentCallback is the provider-neutral callback shape.
type NormalizedPaymentCallback struct {
	CorrelationToken string  `json:"correlation_token"`
	ResultCode       *int    `json:"result_code"`
	ResultDesc       string  `json:"result_desc,omitempty"`
	Amount           *int64  `json:"amount,omitempty"`
	TransactionRef   *string `json:"transaction_ref,omitempty"`
}
