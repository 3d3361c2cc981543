package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResolveContact finds or creates the contact for a phone number.
func (s *Store) ResolveContact(ctx context.Context, orgID, phoneNumber, name string) (*Contact, error) {
	var contact Contact
	err := s.db.GetContext(ctx, &contact, s.rebind(
		`SELECT * FROM contacts WHERE organization_id = ? AND phone_number = ?`), orgID, phoneNumber)
	if err == nil {
		if name != "" && contact.Name != name {
			_, err = s.db.ExecContext(ctx, s.rebind(
				`UPDATE contacts SET name = ?, updated_at = ? WHERE id = ?`),
				name, time.Now().UTC(), contact.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to update contact name: %w", err)
			}
			contact.Name = name
		}
		return &contact, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to resolve contact: %w", err)
	}

	contact = Contact{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		PhoneNumber:    phoneNumber,
		Name:           name,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO contacts (id, organization_id, phone_number, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		contact.ID, contact.OrganizationID, contact.PhoneNumber, contact.Name, contact.CreatedAt, contact.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create contact: %w", err)
	}
	return &contact, nil
}

// ResolveConversation returns the active conversation for a contact,
// creating one when none exists. The partial unique index on active
// conversations makes the create race-safe: when two workers insert
// concurrently, one insert is skipped and both read back the same row.
func (s *Store) ResolveConversation(ctx context.Context, orgID, contactID string) (*Conversation, error) {
	var conv Conversation
	err := s.db.GetContext(ctx, &conv, s.rebind(
		`SELECT * FROM conversations WHERE contact_id = ? AND status = 'active' ORDER BY created_at DESC LIMIT 1`),
		contactID)
	if err == nil {
		return &conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	conv = Conversation{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		ContactID:      contactID,
		Status:         "active",
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversations (id, organization_id, contact_id, status, escalated, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (contact_id) WHERE status = 'active' DO NOTHING`),
		conv.ID, conv.OrganizationID, conv.ContactID, conv.Status, conv.Escalated, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result: %w", err)
	}
	if rows == 0 {
		err = s.db.GetContext(ctx, &conv, s.rebind(
			`SELECT * FROM conversations WHERE contact_id = ? AND status = 'active' ORDER BY created_at DESC LIMIT 1`),
			contactID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve conversation after conflict: %w", err)
		}
	}
	return &conv, nil
}

// EscalateConversation marks a conversation as handed off to a human.
func (s *Store) EscalateConversation(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE conversations SET escalated = TRUE, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to escalate conversation: %w", err)
	}
	return nil
}

// InsertMessage persists one message. The unique external_message_id makes
// redelivered jobs idempotent: the second insert is silently skipped and
// inserted reports false.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) (inserted bool, err error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO messages (id, conversation_id, external_message_id, direction, sender_type, content, media_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_message_id) DO NOTHING`),
		msg.ID, msg.ConversationID, msg.ExternalMessageID, msg.Direction, msg.SenderType, msg.Content, msg.MediaURL, msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	inserted = rows > 0
	if inserted && msg.Direction == DirectionInbound {
		_, err = s.db.ExecContext(ctx, s.rebind(
			`UPDATE conversations SET unread_count = unread_count + 1, updated_at = ? WHERE id = ?`),
			time.Now().UTC(), msg.ConversationID)
		if err != nil {
			return inserted, fmt.Errorf("failed to bump unread count: %w", err)
		}
	}
	return inserted, nil
}

// MarkConversationRead clears the unread counter after the conversation was
// answered or viewed.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return nil
}

// GetMessageByExternalID loads a message by its WhatsApp message id.
func (s *Store) GetMessageByExternalID(ctx context.Context, externalID string) (*Message, error) {
	var msg Message
	err := s.db.GetContext(ctx, &msg, s.rebind(
		`SELECT * FROM messages WHERE external_message_id = ?`), externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// RecentMessages returns the newest messages of a conversation in
// chronological order, limited to limit rows.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var msgs []Message
	err := s.db.SelectContext(ctx, &msgs, s.rebind(
		`SELECT * FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?
		 ) m ORDER BY created_at ASC`),
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent messages: %w", err)
	}
	return msgs, nil
}

// CountMessagesSince counts inbound messages for an organization after a cutoff.
func (s *Store) CountMessagesSince(ctx context.Context, orgID string, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.rebind(
		`SELECT COUNT(*) FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.organization_id = ? AND m.created_at >= ?`),
		orgID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
