package store

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/HG-ha/Parrot/pkg/types"
)

// newTestStore opens a store backed by a fresh database file in a temp dir.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s1.AddRole(types.Role{Name: "alice", File: "alice.wav"}); err != nil {
		t.Fatalf("AddRole: %v", err)
	}
	s1.Close()

	// Reopening must not recreate the schema or lose data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
	roles, err := s2.ListRoles()
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "alice" {
		t.Errorf("roles after reopen = %+v, want one role named alice", roles)
	}
}

func TestEnsureColumnUpgradesOldSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	// Simulate a database written before speaker_text existed.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE roles (
	    id          INTEGER PRIMARY KEY AUTOINCREMENT,
	    name        TEXT NOT NULL,
	    description TEXT,
	    file        TEXT NOT NULL,
	    created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		t.Fatalf("create old table: %v", err)
	}
	if _, err := db.Exec("INSERT INTO roles (name, description, file) VALUES ('bob', '', 'bob.wav')"); err != nil {
		t.Fatalf("insert old row: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open on old schema: %v", err)
	}
	defer s.Close()

	roles, err := s.ListRoles()
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("got %d roles, want 1", len(roles))
	}
	if roles[0].SpeakerText != "" {
		t.Errorf("SpeakerText = %q, want empty for upgraded row", roles[0].SpeakerText)
	}

	// The added column must be writable.
	roles[0].SpeakerText = "hello there"
	if err := s.UpdateRole(roles[0]); err != nil {
		t.Fatalf("UpdateRole after upgrade: %v", err)
	}
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{1, 10, 1, 10},
		{0, 10, 1, 10},
		{-5, 0, 1, 1},
		{3, 25, 3, 25},
	}
	for _, tc := range tests {
		p, s := clampPage(tc.page, tc.size)
		if p != tc.wantPage || s != tc.wantSize {
			t.Errorf("clampPage(%d, %d) = (%d, %d), want (%d, %d)",
				tc.page, tc.size, p, s, tc.wantPage, tc.wantSize)
		}
	}
}

func TestLikePattern(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Alice", "%alice%"},
		{"  spaced  ", "%spaced%"},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range tests {
		if got := likePattern(tc.in); got != tc.want {
			t.Errorf("likePattern(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRoleCRUD(t *testing.T) {
	s := newTestStore(t)

	id, err := s.AddRole(types.Role{Name: "narrator", Description: "Deep voice", File: "narrator.wav", SpeakerText: "Once upon a time"})
	if err != nil {
		t.Fatalf("AddRole: %v", err)
	}
	if id <= 0 {
		t.Fatalf("AddRole returned id %d, want positive", id)
	}

	roles, err := s.ListRoles()
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("got %d roles, want 1", len(roles))
	}
	got := roles[0]
	if got.Name != "narrator" || got.Description != "Deep voice" || got.File != "narrator.wav" || got.SpeakerText != "Once upon a time" {
		t.Errorf("round-tripped role = %+v", got)
	}

	got.Description = "Updated"
	if err := s.UpdateRole(got); err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	roles, _ = s.ListRoles()
	if roles[0].Description != "Updated" {
		t.Errorf("Description after update = %q", roles[0].Description)
	}

	if err := s.DeleteRole(id); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	n, err := s.CountRoles()
	if err != nil {
		t.Fatalf("CountRoles: %v", err)
	}
	if n != 0 {
		t.Errorf("CountRoles after delete = %d, want 0", n)
	}
}

func TestAddRoleRejectsMissingFields(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AddRole(types.Role{Name: "", File: "x.wav"}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("AddRole without name: err = %v, want ErrInvalidRecord", err)
	}
	if _, err := s.AddRole(types.Role{Name: "x", File: ""}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("AddRole without file: err = %v, want ErrInvalidRecord", err)
	}
}

func TestUpdateRoleRequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRole(types.Role{Name: "ghost", File: "ghost.wav"})
	if !errors.Is(err, ErrMissingID) {
		t.Errorf("UpdateRole without id: err = %v, want ErrMissingID", err)
	}
}

func TestDuplicateRoleNamesAllowed(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.AddRole(types.Role{Name: "twin", File: "a.wav"}); err != nil {
		t.Fatalf("first AddRole: %v", err)
	}
	if _, err := s.AddRole(types.Role{Name: "twin", File: "b.wav"}); err != nil {
		t.Fatalf("second AddRole with same name: %v", err)
	}
	n, _ := s.CountRoles()
	if n != 2 {
		t.Errorf("CountRoles = %d, want 2", n)
	}
}

func TestFilterRolesCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	seed := []types.Role{
		{Name: "Alice", Description: "Warm tone", File: "alice.wav"},
		{Name: "Bob", Description: "a warm BARITONE", File: "bob.wav"},
		{Name: "Carol", Description: "Bright", File: "carol.wav"},
	}
	for _, r := range seed {
		if _, err := s.AddRole(r); err != nil {
			t.Fatalf("AddRole(%s): %v", r.Name, err)
		}
	}

	got, err := s.FilterRoles("WARM")
	if err != nil {
		t.Fatalf("FilterRoles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("FilterRoles(WARM) matched %d, want 2", len(got))
	}

	// Empty keyword matches everything.
	all, err := s.FilterRoles("   ")
	if err != nil {
		t.Fatalf("FilterRoles(blank): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("FilterRoles(blank) matched %d, want 3", len(all))
	}

	n, err := s.CountFilteredRoles("warm")
	if err != nil {
		t.Fatalf("CountFilteredRoles: %v", err)
	}
	if n != 2 {
		t.Errorf("CountFilteredRoles = %d, want 2", n)
	}
}

func TestRolePagination(t *testing.T) {
	s := newTestStore(t)
	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		if _, err := s.AddRole(types.Role{Name: n, File: n + ".wav"}); err != nil {
			t.Fatalf("AddRole(%s): %v", n, err)
		}
	}

	page1, err := s.ListRolesPaged(1, 2)
	if err != nil {
		t.Fatalf("ListRolesPaged(1, 2): %v", err)
	}
	page2, err := s.ListRolesPaged(2, 2)
	if err != nil {
		t.Fatalf("ListRolesPaged(2, 2): %v", err)
	}
	page3, err := s.ListRolesPaged(3, 2)
	if err != nil {
		t.Fatalf("ListRolesPaged(3, 2): %v", err)
	}
	if len(page1) != 2 || len(page2) != 2 || len(page3) != 1 {
		t.Errorf("page sizes = %d, %d, %d; want 2, 2, 1", len(page1), len(page2), len(page3))
	}

	// Pages must partition the full list without overlap.
	seen := map[int64]bool{}
	for _, p := range [][]types.Role{page1, page2, page3} {
		for _, r := range p {
			if seen[r.ID] {
				t.Errorf("role %d appears on two pages", r.ID)
			}
			seen[r.ID] = true
		}
	}
	if len(seen) != len(names) {
		t.Errorf("pages cover %d roles, want %d", len(seen), len(names))
	}

	// Out-of-range page yields an empty slice, not an error.
	empty, err := s.ListRolesPaged(99, 2)
	if err != nil {
		t.Fatalf("ListRolesPaged(99, 2): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("out-of-range page returned %d roles", len(empty))
	}

	// Invalid input clamps to the first page.
	clamped, err := s.ListRolesPaged(0, 0)
	if err != nil {
		t.Fatalf("ListRolesPaged(0, 0): %v", err)
	}
	if len(clamped) != 1 {
		t.Errorf("clamped page returned %d roles, want 1", len(clamped))
	}
}

func TestFindRoleByName(t *testing.T) {
	s := newTestStore(t)
	want, err := s.AddRole(types.Role{Name: "finder", File: "f.wav"})
	if err != nil {
		t.Fatalf("AddRole: %v", err)
	}

	got, err := s.FindRoleByName("finder")
	if err != nil {
		t.Fatalf("FindRoleByName: %v", err)
	}
	if got.ID != want {
		t.Errorf("found id %d, want %d", got.ID, want)
	}

	_, err = s.FindRoleByName("absent")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("FindRoleByName(absent): err = %v, want wrapped sql.ErrNoRows", err)
	}
}
