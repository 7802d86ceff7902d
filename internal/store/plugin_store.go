package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InstalledPluginRecord tracks where an installed plugin came from.
type InstalledPluginRecord struct {
	ID               int64
	PluginName       string
	InstalledVersion string
	Checksum         string
	InstalledAt      time.Time
	UpdatedAt        time.Time
}

// PluginHistoryEntry is one applied lifecycle action.
type PluginHistoryEntry struct {
	ID         int64
	PluginName string
	Action     string
	Version    string
	CreatedAt  time.Time
}

// PluginChange is one plugin affected by an executed change set. An empty
// Version means the plugin was removed.
type PluginChange struct {
	Name     string
	Version  string
	Checksum string
}

const (
	HistoryActionInstall   = "install"
	HistoryActionUpdate    = "update"
	HistoryActionUninstall = "uninstall"
)

// GetInstalledPlugin returns the tracking entry of a plugin.
func (s *Store) GetInstalledPlugin(name string) (*InstalledPluginRecord, error) {
	var record InstalledPluginRecord
	err := s.db.QueryRow(`
		SELECT id, plugin_name, installed_version, checksum, installed_at, updated_at
		FROM installed_plugins
		WHERE plugin_name = ?
	`, name).Scan(
		&record.ID,
		&record.PluginName,
		&record.InstalledVersion,
		&record.Checksum,
		&record.InstalledAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetAllInstalledPlugins returns all tracking entries.
func (s *Store) GetAllInstalledPlugins() ([]*InstalledPluginRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, plugin_name, installed_version, checksum, installed_at, updated_at
		FROM installed_plugins
		ORDER BY plugin_name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*InstalledPluginRecord
	for rows.Next() {
		var record InstalledPluginRecord
		err := rows.Scan(
			&record.ID,
			&record.PluginName,
			&record.InstalledVersion,
			&record.Checksum,
			&record.InstalledAt,
			&record.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, &record)
	}

	return records, rows.Err()
}

// ApplyPluginChanges records an executed change set in a single transaction.
func (s *Store) ApplyPluginChanges(changes []PluginChange) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, change := range changes {
		if change.Version == "" {
			if _, err := tx.Exec(`DELETE FROM installed_plugins WHERE plugin_name = ?`, change.Name); err != nil {
				return fmt.Errorf("failed to remove %s: %w", change.Name, err)
			}
			if err := insertHistory(tx, change.Name, HistoryActionUninstall, ""); err != nil {
				return err
			}
			continue
		}

		var existing string
		err := tx.QueryRow(`SELECT installed_version FROM installed_plugins WHERE plugin_name = ?`, change.Name).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.Exec(`
				INSERT INTO installed_plugins (plugin_name, installed_version, checksum, installed_at, updated_at)
				VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			`, change.Name, change.Version, change.Checksum)
			if err != nil {
				return fmt.Errorf("failed to track %s: %w", change.Name, err)
			}
			if err := insertHistory(tx, change.Name, HistoryActionInstall, change.Version); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			_, err = tx.Exec(`
				UPDATE installed_plugins
				SET installed_version = ?, checksum = ?, updated_at = CURRENT_TIMESTAMP
				WHERE plugin_name = ?
			`, change.Version, change.Checksum, change.Name)
			if err != nil {
				return fmt.Errorf("failed to track %s: %w", change.Name, err)
			}
			if err := insertHistory(tx, change.Name, HistoryActionUpdate, change.Version); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func insertHistory(tx *sql.Tx, name, action, version string) error {
	_, err := tx.Exec(`
		INSERT INTO plugin_history (plugin_name, action, version, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
	`, name, action, version)
	if err != nil {
		return fmt.Errorf("failed to record history for %s: %w", name, err)
	}
	return nil
}

// GetPluginHistory returns the applied actions of a plugin, oldest first.
func (s *Store) GetPluginHistory(name string) ([]*PluginHistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, plugin_name, action, version, created_at
		FROM plugin_history
		WHERE plugin_name = ?
		ORDER BY id ASC
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*PluginHistoryEntry
	for rows.Next() {
		var entry PluginHistoryEntry
		if err := rows.Scan(&entry.ID, &entry.PluginName, &entry.Action, &entry.Version, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// GetInstalledPluginSets returns the ids of plugin sets installed so far.
func (s *Store) GetInstalledPluginSets() ([]string, error) {
	rows, err := s.db.Query(`SELECT set_id FROM plugin_sets ORDER BY set_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddInstalledPluginSets adds set ids; ids already present are kept.
func (s *Store) AddInstalledPluginSets(ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO plugin_sets (set_id, installed_at) VALUES (?, CURRENT_TIMESTAMP)`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
