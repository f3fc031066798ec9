package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/HG-ha/Parrot/pkg/types"
)

// roleColumns is the column list shared by every role SELECT so scans stay
// in lockstep with scanRole.
const roleColumns = "id, name, description, file, speaker_text"

// AddRole inserts role and returns its store-assigned ID. Roles without a
// name or reference file are rejected with ErrInvalidRecord before touching
// the database.
func (s *Store) AddRole(role types.Role) (int64, error) {
	defer s.observeQuery("roles", "add", time.Now())

	if role.Name == "" || role.File == "" {
		return 0, fmt.Errorf("%w: role needs name and file", ErrInvalidRecord)
	}

	res, err := s.db.Exec(
		"INSERT INTO roles (name, description, file, speaker_text) VALUES (?, ?, ?, ?)",
		role.Name, role.Description, role.File, role.SpeakerText,
	)
	if err != nil {
		return 0, fmt.Errorf("store: add role: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add role id: %w", err)
	}
	return id, nil
}

// UpdateRole rewrites every mutable field of the role identified by role.ID.
// Records without an ID are rejected with ErrMissingID: the legacy name-based
// fallback is ambiguous under duplicate names and survives only as
// FindRoleByName for migration-era callers.
func (s *Store) UpdateRole(role types.Role) error {
	defer s.observeQuery("roles", "update", time.Now())

	if role.ID == 0 {
		return ErrMissingID
	}
	if role.Name == "" || role.File == "" {
		return fmt.Errorf("%w: role needs name and file", ErrInvalidRecord)
	}

	_, err := s.db.Exec(
		"UPDATE roles SET name=?, description=?, file=?, speaker_text=? WHERE id=?",
		role.Name, role.Description, role.File, role.SpeakerText, role.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update role %d: %w", role.ID, err)
	}
	return nil
}

// DeleteRole removes the role with the given ID. Deleting a role has no
// cascading effect on history records that reference its name.
func (s *Store) DeleteRole(id int64) error {
	defer s.observeQuery("roles", "delete", time.Now())

	if id == 0 {
		return ErrMissingID
	}
	if _, err := s.db.Exec("DELETE FROM roles WHERE id=?", id); err != nil {
		return fmt.Errorf("store: delete role %d: %w", id, err)
	}
	return nil
}

// ListRoles returns every role ordered by name.
func (s *Store) ListRoles() ([]types.Role, error) {
	defer s.observeQuery("roles", "list", time.Now())

	rows, err := s.db.Query("SELECT " + roleColumns + " FROM roles ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("store: list roles: %w", err)
	}
	return collectRoles(rows)
}

// FilterRoles returns the roles whose name or description contains keyword,
// case-insensitively. An empty or whitespace-only keyword is equivalent to
// ListRoles.
func (s *Store) FilterRoles(keyword string) ([]types.Role, error) {
	defer s.observeQuery("roles", "filter", time.Now())

	pattern := likePattern(keyword)
	if pattern == "" {
		return s.ListRoles()
	}

	rows, err := s.db.Query(
		"SELECT "+roleColumns+" FROM roles "+
			"WHERE LOWER(name) LIKE ? OR LOWER(description) LIKE ? ORDER BY name",
		pattern, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("store: filter roles: %w", err)
	}
	return collectRoles(rows)
}

// ListRolesPaged returns one page of the ListRoles ordering. page and
// pageSize are clamped to a minimum of 1; pages past the end are empty, not
// errors.
func (s *Store) ListRolesPaged(page, pageSize int) ([]types.Role, error) {
	defer s.observeQuery("roles", "list_paged", time.Now())

	page, pageSize = clampPage(page, pageSize)
	rows, err := s.db.Query(
		"SELECT "+roleColumns+" FROM roles ORDER BY name LIMIT ? OFFSET ?",
		pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list roles page %d: %w", page, err)
	}
	return collectRoles(rows)
}

// FilterRolesPaged returns one page of the FilterRoles ordering.
func (s *Store) FilterRolesPaged(keyword string, page, pageSize int) ([]types.Role, error) {
	defer s.observeQuery("roles", "filter_paged", time.Now())

	pattern := likePattern(keyword)
	if pattern == "" {
		return s.ListRolesPaged(page, pageSize)
	}

	page, pageSize = clampPage(page, pageSize)
	rows, err := s.db.Query(
		"SELECT "+roleColumns+" FROM roles "+
			"WHERE LOWER(name) LIKE ? OR LOWER(description) LIKE ? "+
			"ORDER BY name LIMIT ? OFFSET ?",
		pattern, pattern, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("store: filter roles page %d: %w", page, err)
	}
	return collectRoles(rows)
}

// CountRoles returns the total number of roles.
func (s *Store) CountRoles() (int, error) {
	return s.count("roles", "")
}

// CountFilteredRoles returns the number of roles matching keyword under the
// same predicate as FilterRoles. Callers use it to compute page counts and
// clamp the active page after deletions.
func (s *Store) CountFilteredRoles(keyword string) (int, error) {
	pattern := likePattern(keyword)
	if pattern == "" {
		return s.CountRoles()
	}
	return s.count("roles", "LOWER(name) LIKE ? OR LOWER(description) LIKE ?", pattern, pattern)
}

// FindRoleByName returns the first role with the given name, or
// sql.ErrNoRows wrapped when none exists.
//
// Names are not unique: under duplicates this returns an arbitrary one of
// them. It exists for migration-era callers that predate store-assigned IDs
// and must not be used as a silent fallback for update or delete.
func (s *Store) FindRoleByName(name string) (types.Role, error) {
	defer s.observeQuery("roles", "find_by_name", time.Now())

	row := s.db.QueryRow("SELECT "+roleColumns+" FROM roles WHERE name=?", name)
	r, err := scanRole(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Role{}, fmt.Errorf("store: role %q: %w", name, err)
		}
		return types.Role{}, fmt.Errorf("store: find role %q: %w", name, err)
	}
	return r, nil
}

// rowScanner is the common surface of *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRole reads one role row. speaker_text and description may be NULL in
// databases written before those columns existed.
func scanRole(row rowScanner) (types.Role, error) {
	var (
		r           types.Role
		description sql.NullString
		speakerText sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Name, &description, &r.File, &speakerText); err != nil {
		return types.Role{}, err
	}
	r.Description = description.String
	r.SpeakerText = speakerText.String
	return r, nil
}

// collectRoles drains rows into a slice, closing them in all paths.
func collectRoles(rows *sql.Rows) ([]types.Role, error) {
	defer rows.Close()

	var roles []types.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan role: %w", err)
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate roles: %w", err)
	}
	return roles, nil
}
