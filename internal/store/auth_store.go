package store

import (
	"time"
)

// PluginCenterAuth is the stored plugin-center credential.
type PluginCenterAuth struct {
	Principal       string
	Subject         string
	RefreshToken    string
	Failed          bool
	AuthenticatedAt time.Time
}

// GetPluginCenterAuth returns the stored credential or sql.ErrNoRows.
func (s *Store) GetPluginCenterAuth() (*PluginCenterAuth, error) {
	var auth PluginCenterAuth
	err := s.db.QueryRow(`
		SELECT principal, subject, refresh_token, failed, authenticated_at
		FROM plugin_center_auth
		WHERE id = 1
	`).Scan(&auth.Principal, &auth.Subject, &auth.RefreshToken, &auth.Failed, &auth.AuthenticatedAt)
	if err != nil {
		return nil, err
	}
	return &auth, nil
}

// SavePluginCenterAuth replaces the stored credential.
func (s *Store) SavePluginCenterAuth(auth *PluginCenterAuth) error {
	_, err := s.db.Exec(`
		INSERT INTO plugin_center_auth (id, principal, subject, refresh_token, failed, authenticated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			principal = excluded.principal,
			subject = excluded.subject,
			refresh_token = excluded.refresh_token,
			failed = excluded.failed,
			authenticated_at = excluded.authenticated_at
	`, auth.Principal, auth.Subject, auth.RefreshToken, auth.Failed, auth.AuthenticatedAt)
	return err
}

// UpdatePluginCenterRefreshToken rotates the refresh token and clears the
// failed flag.
func (s *Store) UpdatePluginCenterRefreshToken(refreshToken string) error {
	_, err := s.db.Exec(`UPDATE plugin_center_auth SET refresh_token = ?, failed = 0 WHERE id = 1`, refreshToken)
	return err
}

// MarkPluginCenterAuthFailed flags the stored credential as unusable.
func (s *Store) MarkPluginCenterAuthFailed() error {
	_, err := s.db.Exec(`UPDATE plugin_center_auth SET failed = 1 WHERE id = 1`)
	return err
}

// DeletePluginCenterAuth removes the stored credential.
func (s *Store) DeletePluginCenterAuth() error {
	_, err := s.db.Exec(`DELETE FROM plugin_center_auth WHERE id = 1`)
	return err
}
