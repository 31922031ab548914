package domain

import "time"

// AttachmentKind classifies inbound media.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
	AttachmentOther    AttachmentKind = "other"
)

// Attachment is a media item referenced by an inbound chat message.
type Attachment struct {
	MediaID  string         `json:"media_id"`
	MimeType string         `json:"mime_type,omitempty"`
	Kind     AttachmentKind `json:"kind"`
	Caption  string         `json:"caption,omitempty"`
}

// InboundChatMessage is the provider-normalized message event.
type InboundChatMessage struct {
	ID          string       `json:"id,omitempty"`
	From        string       `json:"from"`
	Body        string       `json:"body"`
	ButtonID    string       `json:"button_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// HasImage reports whether the message carries an image or document attachment.
func (m InboundChatMessage) HasImage() bool {
	for _, a := range m.Attachments {
		if a.Kind == AttachmentImage || a.Kind == AttachmentDocument {
			return true
		}
	}
	return false
}

// PaymentCallback is the normalized mobile-money result for one payment request.
type PaymentCallback struct {
	CorrelationToken string    `json:"correlation_token"`
	ResultCode       int       `json:"result_code"`
	ResultDesc       string    `json:"result_desc,omitempty"`
	Amount           *int64    `json:"amount,omitempty"`
	TransactionRef   *string   `json:"transaction_ref,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
}

// Succeeded reports whether the gateway settled the payment.
func (c PaymentCallback) Succeeded() bool {
	return c.ResultCode == 0
}
