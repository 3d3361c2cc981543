package store

import (
	"database/sql"
	"time"
)

// Organization is a tenant of the gateway.
type Organization struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	BusinessHours string    `db:"business_hours" json:"businessHours"`
	WebhookURL    string    `db:"webhook_url" json:"webhookUrl"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// Instance is one WhatsApp account bound to an organization.
type Instance struct {
	ID                string       `db:"id" json:"id"`
	OrganizationID    string       `db:"organization_id" json:"organizationId"`
	PhoneNumber       string       `db:"phone_number" json:"phoneNumber"`
	Status            string       `db:"status" json:"status"`
	JID               string       `db:"jid" json:"jid"`
	ReconnectAttempts int          `db:"reconnect_attempts" json:"reconnectAttempts"`
	LastConnectedAt   sql.NullTime `db:"last_connected_at" json:"lastConnectedAt"`
	CreatedAt         time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updatedAt"`
}

// OwnerNumber is a phone number allowed to act as pet shop staff.
type OwnerNumber struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organizationId"`
	PhoneNumber    string    `db:"phone_number" json:"phoneNumber"`
	Label          string    `db:"label" json:"label"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// Contact is a WhatsApp counterpart of an organization.
type Contact struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organizationId"`
	PhoneNumber    string    `db:"phone_number" json:"phoneNumber"`
	Name           string    `db:"name" json:"name"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// Conversation groups messages with one contact.
type Conversation struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organizationId"`
	ContactID      string    `db:"contact_id" json:"contactId"`
	Status         string    `db:"status" json:"status"`
	Escalated      bool      `db:"escalated" json:"escalated"`
	UnreadCount    int       `db:"unread_count" json:"unreadCount"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}

// Message direction and sender classification values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	SenderOwner     = "owner"
	SenderCustomer  = "customer"
	SenderAssistant = "assistant"
)

// Message is one message inside a conversation. ExternalMessageID carries the
// WhatsApp message id and is unique, which makes inserts idempotent.
type Message struct {
	ID                string    `db:"id" json:"id"`
	ConversationID    string    `db:"conversation_id" json:"conversationId"`
	ExternalMessageID string    `db:"external_message_id" json:"externalMessageId"`
	Direction         string    `db:"direction" json:"direction"`
	SenderType        string    `db:"sender_type" json:"senderType"`
	Content           string    `db:"content" json:"content"`
	MediaURL          string    `db:"media_url" json:"mediaUrl"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
}

// AI interaction outcome values.
const (
	InteractionSuccess = "success"
	InteractionError   = "error"
)

// AIInteraction records one model call for cost accounting. Failed pipeline
// runs are recorded too, with Status set to error and Error describing why.
type AIInteraction struct {
	ID               string    `db:"id" json:"id"`
	OrganizationID   string    `db:"organization_id" json:"organizationId"`
	ConversationID   string    `db:"conversation_id" json:"conversationId"`
	Model            string    `db:"model" json:"model"`
	PromptTokens     int       `db:"prompt_tokens" json:"promptTokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completionTokens"`
	CostUSD          float64   `db:"cost_usd" json:"costUsd"`
	Intent           string    `db:"intent" json:"intent"`
	Status           string    `db:"status" json:"status"`
	Error            string    `db:"error" json:"error,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}

// SessionBackup is an encrypted snapshot of WhatsApp session credentials.
type SessionBackup struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organizationId"`
	Payload        []byte    `db:"payload" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}
