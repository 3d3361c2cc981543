package store

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Connect("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewWithDB(db, "sqlite")
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func seedOrg(t *testing.T, s *Store) *Organization {
	t.Helper()
	org, err := s.CreateOrganization(context.Background(), "Patas Felizes", "Mon-Fri 9-18")
	require.NoError(t, err)
	return org
}

func TestInstanceLifecycle(t *testing.T) {
	s := testStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	inst, err := s.UpsertInstance(ctx, org.ID, "5511999990000")
	require.NoError(t, err)
	assert.Equal(t, "uninitialized", inst.Status)

	// Second upsert returns the same row.
	again, err := s.UpsertInstance(ctx, org.ID, "")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)

	require.NoError(t, s.UpdateInstanceStatus(ctx, org.ID, "connecting"))
	require.NoError(t, s.MarkInstanceConnected(ctx, org.ID, "5511999990000@s.whatsapp.net"))

	loaded, err := s.GetInstanceByOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "connected", loaded.Status)
	assert.True(t, loaded.LastConnectedAt.Valid)

	// Reconnection attempts are persisted and cleared on the next success.
	require.NoError(t, s.MarkInstanceReconnecting(ctx, org.ID, 3))
	loaded, err = s.GetInstanceByOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "reconnecting", loaded.Status)
	assert.Equal(t, 3, loaded.ReconnectAttempts)

	require.NoError(t, s.MarkInstanceConnected(ctx, org.ID, "5511999990000@s.whatsapp.net"))
	loaded, err = s.GetInstanceByOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.ReconnectAttempts)
}

func TestResolveContactAndConversation(t *testing.T) {
	s := testStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	contact, err := s.ResolveContact(ctx, org.ID, "5511988887777", "Maria")
	require.NoError(t, err)

	same, err := s.ResolveContact(ctx, org.ID, "5511988887777", "")
	require.NoError(t, err)
	assert.Equal(t, contact.ID, same.ID)
	assert.Equal(t, "Maria", same.Name)

	conv, err := s.ResolveConversation(ctx, org.ID, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", conv.Status)

	// Resolving again must reuse the active conversation instead of
	// creating a second one.
	sameConv, err := s.ResolveConversation(ctx, org.ID, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, sameConv.ID)
}

func TestResolveConversationSingleActiveRow(t *testing.T) {
	s := testStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	contact, err := s.ResolveContact(ctx, org.ID, "5511988887777", "")
	require.NoError(t, err)
	conv, err := s.ResolveConversation(ctx, org.ID, contact.ID)
	require.NoError(t, err)

	// A concurrent create that lost the race is skipped by the unique
	// index on active conversations.
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversations (id, organization_id, contact_id, status, escalated, created_at, updated_at)
		 VALUES (?, ?, ?, 'active', FALSE, ?, ?)
		 ON CONFLICT (contact_id) WHERE status = 'active' DO NOTHING`),
		"racing-conv", org.ID, contact.ID, now, now)
	require.NoError(t, err)
	rows, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Zero(t, rows)

	var count int
	require.NoError(t, s.db.GetContext(ctx, &count, s.rebind(
		`SELECT COUNT(*) FROM conversations WHERE contact_id = ? AND status = 'active'`), contact.ID))
	assert.Equal(t, 1, count)

	again, err := s.ResolveConversation(ctx, org.ID, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
}

func TestUnreadCountTracksInboundMessages(t *testing.T) {
	s := testStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	contact, err := s.ResolveContact(ctx, org.ID, "5511988887777", "")
	require.NoError(t, err)
	conv, err := s.ResolveConversation(ctx, org.ID, contact.ID)
	require.NoError(t, err)
	assert.Zero(t, conv.UnreadCount)

	for i, id := range []string{"WAMID-A", "WAMID-B"} {
		_, err := s.InsertMessage(ctx, &Message{
			ConversationID:    conv.ID,
			ExternalMessageID: id,
			Direction:         DirectionInbound,
			SenderType:        SenderCustomer,
			Content:           "oi",
			CreatedAt:         time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	// A duplicate delivery and an outbound reply do not bump the counter.
	_, err = s.InsertMessage(ctx, &Message{
		ConversationID:    conv.ID,
		ExternalMessageID: "WAMID-A",
		Direction:         DirectionInbound,
		SenderType:        SenderCustomer,
		Content:           "oi",
	})
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, &Message{
		ConversationID:    conv.ID,
		ExternalMessageID: "WAMID-OUT",
		Direction:         DirectionOutbound,
		SenderType:        SenderAssistant,
		Content:           "oi, Maria!",
	})
	require.NoError(t, err)

	conv, err = s.ResolveConversation(ctx, org.ID, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.UnreadCount)

	require.NoError(t, s.MarkConversationRead(ctx, conv.ID))
	conv, err = s.ResolveConversation(ctx, org.ID, contact.ID)
	require.NoError(t, err)
	assert.Zero(t, conv.UnreadCount)
}

func TestInsertMessageIdempotent(t *testing.T) {
	s := testStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	contact, err := s.ResolveContact(ctx, org.ID, "5511988887777", "Maria")
	require.NoError(t, err)
	conv, err := s.ResolveConversation(ctx, org.ID, contact.ID)
	require.NoError(t, err)

	msg := &Message{
		ConversationID:    conv.ID,
		ExternalMessageID: "3EB0ABC123",
		Direction:         DirectionInbound,
		SenderType:        SenderCustomer,
		Content:           "oi, queria agendar um banho",
	}
	inserted, err := s.InsertMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &Message{
		ConversationID:    conv.ID,
		ExternalMessageID: "3EB0ABC123",
		Direction:         DirectionInbound,
		SenderType:        SenderCustomer,
		Content:           "oi, queria agendar um banho",
	}
	inserted, err = s.InsertMessage(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate external id must not insert a second row")

	msgs, err := s.RecentMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRecentMessagesOrder(t *testing.T) {
	s := testStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	contact, err := s.ResolveContact(ctx, org.ID, "5511988887777", "")
	require.NoError(t, err)
	conv, err := s.ResolveConversation(ctx, org.ID, contact.ID)
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	for i, content := range []string{"first", "second", "third"} {
		_, err := s.InsertMessage(ctx, &Message{
			ConversationID:    conv.ID,
			ExternalMessageID: content,
			Direction:         DirectionInbound,
			SenderType:        SenderCustomer,
			Content:           content,
			CreatedAt:         base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	msgs, err := s.RecentMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Content)
	assert.Equal(t, "third", msgs[1].Content)
}

func TestSetOrganizationWebhook(t *testing.T) {
	s := testStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	require.NoError(t, s.SetOrganizationWebhook(ctx, org.ID, "https://crm.example.com/hooks/wa"))
	loaded, err := s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://crm.example.com/hooks/wa", loaded.WebhookURL)

	// Clearing disables webhook delivery.
	require.NoError(t, s.SetOrganizationWebhook(ctx, org.ID, ""))
	loaded, err = s.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.WebhookURL)

	assert.ErrorIs(t, s.SetOrganizationWebhook(ctx, "missing", "x"), ErrNotFound)
}

func TestOwnerNumbers(t *testing.T) {
	s := testStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	_, err := s.AddOwnerNumber(ctx, org.ID, "5511999990000", "dono")
	require.NoError(t, err)

	numbers, err := s.ListOwnerNumbers(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"5511999990000"}, numbers)
}

func TestUsageSummary(t *testing.T) {
	s := testStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	for range 2 {
		require.NoError(t, s.RecordAIInteraction(ctx, &AIInteraction{
			OrganizationID:   org.ID,
			Model:            "gpt-4o-mini",
			PromptTokens:     100,
			CompletionTokens: 50,
			CostUSD:          0.002,
			Intent:           "scheduling",
		}))
	}

	sum, err := s.SummarizeUsage(ctx, org.ID, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Interactions)
	assert.Equal(t, 200, sum.PromptTokens)
	assert.InDelta(t, 0.004, sum.CostUSD, 1e-9)
}

func TestRecordAIInteractionOutcome(t *testing.T) {
	s := testStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	// Status defaults to success when the caller does not set it.
	require.NoError(t, s.RecordAIInteraction(ctx, &AIInteraction{
		OrganizationID: org.ID,
		Model:          "gpt-4o-mini",
		CreatedAt:      time.Now().UTC().Add(-time.Second),
	}))
	require.NoError(t, s.RecordAIInteraction(ctx, &AIInteraction{
		OrganizationID: org.ID,
		Status:         InteractionError,
		Error:          "pipeline failed: model overloaded",
	}))

	interactions, err := s.ListAIInteractions(ctx, org.ID, 10)
	require.NoError(t, err)
	require.Len(t, interactions, 2)
	assert.Equal(t, InteractionError, interactions[0].Status)
	assert.Equal(t, "pipeline failed: model overloaded", interactions[0].Error)
	assert.Equal(t, InteractionSuccess, interactions[1].Status)
	assert.Empty(t, interactions[1].Error)
}

func TestSessionBackupRoundTrip(t *testing.T) {
	s := testStore(t)
	org := seedOrg(t, s)
	ctx := context.Background()

	payload := []byte{0x01, 0x02, 0x03}
	_, err := s.SaveSessionBackup(ctx, org.ID, payload)
	require.NoError(t, err)

	latest, err := s.LatestSessionBackup(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, payload, latest.Payload)

	_, err = s.LatestSessionBackup(ctx, "missing-org")
	assert.ErrorIs(t, err, ErrNotFound)
}
