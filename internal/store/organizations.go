package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// CreateOrganization inserts a new tenant.
func (s *Store) CreateOrganization(ctx context.Context, name, businessHours string) (*Organization, error) {
	org := &Organization{
		ID:            uuid.New().String(),
		Name:          name,
		BusinessHours: businessHours,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO organizations (id, name, business_hours, webhook_url, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		org.ID, org.Name, org.BusinessHours, org.WebhookURL, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}
	return org, nil
}

// GetOrganization loads one tenant by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := s.db.GetContext(ctx, &org, s.rebind(`SELECT * FROM organizations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

// SetOrganizationWebhook stores the URL events for this tenant are pushed to.
// An empty URL disables webhook delivery for the organization.
func (s *Store) SetOrganizationWebhook(ctx context.Context, orgID, url string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE organizations SET webhook_url = ?, updated_at = ? WHERE id = ?`),
		url, time.Now().UTC(), orgID)
	if err != nil {
		return fmt.Errorf("failed to set organization webhook: %w", err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOrganizations returns all tenants.
func (s *Store) ListOrganizations(ctx context.Context) ([]Organization, error) {
	var orgs []Organization
	if err := s.db.SelectContext(ctx, &orgs, `SELECT * FROM organizations ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	return orgs, nil
}

// UpsertInstance creates or refreshes the instance row for an organization.
func (s *Store) UpsertInstance(ctx context.Context, orgID, phoneNumber string) (*Instance, error) {
	existing, err := s.GetInstanceByOrg(ctx, orgID)
	if err == nil {
		if phoneNumber != "" && existing.PhoneNumber != phoneNumber {
			_, err = s.db.ExecContext(ctx, s.rebind(
				`UPDATE whatsapp_instances SET phone_number = ?, updated_at = ? WHERE id = ?`),
				phoneNumber, time.Now().UTC(), existing.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to update instance: %w", err)
			}
			existing.PhoneNumber = phoneNumber
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	inst := &Instance{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		PhoneNumber:    phoneNumber,
		Status:         "uninitialized",
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO whatsapp_instances (id, organization_id, phone_number, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		inst.ID, inst.OrganizationID, inst.PhoneNumber, inst.Status, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}
	return inst, nil
}

// GetInstanceByOrg loads the instance bound to an organization.
func (s *Store) GetInstanceByOrg(ctx context.Context, orgID string) (*Instance, error) {
	var inst Instance
	err := s.db.GetContext(ctx, &inst, s.rebind(
		`SELECT * FROM whatsapp_instances WHERE organization_id = ?`), orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &inst, nil
}

// UpdateInstanceStatus persists the session status transition.
func (s *Store) UpdateInstanceStatus(ctx context.Context, orgID, status string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE whatsapp_instances SET status = ?, updated_at = ? WHERE organization_id = ?`),
		status, time.Now().UTC(), orgID)
	if err != nil {
		return fmt.Errorf("failed to update instance status: %w", err)
	}
	return nil
}

// MarkInstanceConnected records a successful connection along with the JID
// and resets the reconnect counter.
func (s *Store) MarkInstanceConnected(ctx context.Context, orgID, jid string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE whatsapp_instances SET status = 'connected', jid = ?, reconnect_attempts = 0, last_connected_at = ?, updated_at = ?
		 WHERE organization_id = ?`),
		jid, now, now, orgID)
	if err != nil {
		return fmt.Errorf("failed to mark instance connected: %w", err)
	}
	return nil
}

// MarkInstanceReconnecting persists the reconnecting status together with how
// many attempts have been made.
func (s *Store) MarkInstanceReconnecting(ctx context.Context, orgID string, attempts int) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE whatsapp_instances SET status = 'reconnecting', reconnect_attempts = ?, updated_at = ?
		 WHERE organization_id = ?`),
		attempts, time.Now().UTC(), orgID)
	if err != nil {
		return fmt.Errorf("failed to mark instance reconnecting: %w", err)
	}
	return nil
}

// AddOwnerNumber registers a staff phone number for an organization. The
// number must already be digit-normalized by the caller.
func (s *Store) AddOwnerNumber(ctx context.Context, orgID, phoneNumber, label string) (*OwnerNumber, error) {
	owner := &OwnerNumber{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		PhoneNumber:    phoneNumber,
		Label:          label,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO authorized_owner_numbers (id, organization_id, phone_number, label, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		owner.ID, owner.OrganizationID, owner.PhoneNumber, owner.Label, owner.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to add owner number: %w", err)
	}
	return owner, nil
}

// ListOwnerNumbers returns the digit-normalized staff numbers of an organization.
func (s *Store) ListOwnerNumbers(ctx context.Context, orgID string) ([]string, error) {
	var numbers []string
	err := s.db.SelectContext(ctx, &numbers, s.rebind(
		`SELECT phone_number FROM authorized_owner_numbers WHERE organization_id = ?`), orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list owner numbers: %w", err)
	}
	return numbers, nil
}
