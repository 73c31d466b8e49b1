package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateTenant inserts a new tenant.
func (s *Store) CreateTenant(t Tenant) error {
	if t.ID == "" || t.WebhookUser == "" || t.WebhookSecret == "" {
		return errors.New("tenant requires id, webhook user, and webhook secret")
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO tenants (id, name, webhook_user, webhook_secret, vendor_host, vendor_identity, vendor_secret, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		t.ID, t.Name, t.WebhookUser, t.WebhookSecret,
		t.VendorHost, t.VendorIdentity, t.VendorSecret, fmtTime(createdAt),
	)
	return err
}

const tenantColumns = `id, name, webhook_user, webhook_secret, vendor_host, vendor_identity, vendor_secret, usage_count, created_at`

func scanTenant(row *sql.Row) (Tenant, error) {
	var t Tenant
	var createdAt string
	err := row.Scan(&t.ID, &t.Name, &t.WebhookUser, &t.WebhookSecret,
		&t.VendorHost, &t.VendorIdentity, &t.VendorSecret, &t.UsageCount, &createdAt)
	if err == sql.ErrNoRows {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Tenant{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return t, nil
}

// GetTenant returns the tenant with the given id.
func (s *Store) GetTenant(id string) (Tenant, error) {
	return scanTenant(s.db.QueryRow(`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id))
}

// GetTenantByWebhookUser looks a tenant up by its webhook basic-auth username.
func (s *Store) GetTenantByWebhookUser(user string) (Tenant, error) {
	return scanTenant(s.db.QueryRow(`SELECT `+tenantColumns+` FROM tenants WHERE webhook_user = ?`, user))
}

// SetTenantVendorCredentials updates a tenant's PBX vendor credentials.
func (s *Store) SetTenantVendorCredentials(id, host, identity, secret string) error {
	res, err := s.db.Exec(`UPDATE tenants SET vendor_host = ?, vendor_identity = ?, vendor_secret = ? WHERE id = ?`,
		host, identity, secret, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTenants returns all tenants ordered by creation time.
func (s *Store) ListTenants() ([]Tenant, error) {
	rows, err := s.db.Query(`SELECT ` + tenantColumns + ` FROM tenants ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Name, &t.WebhookUser, &t.WebhookSecret,
			&t.VendorHost, &t.VendorIdentity, &t.VendorSecret, &t.UsageCount, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
