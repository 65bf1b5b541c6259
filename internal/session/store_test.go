package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/trunkline/pkg/models"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndGet(t *testing.T) {
	store := openStore(t)

	session := &models.Session{
		ID:          "s1",
		IssueNumber: 12,
		Status:      models.SessionImplementing,
		Stage:       "coding",
		Branch:      "issue/12",
	}
	if err := store.Save(session); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := store.Get("s1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.IssueNumber != 12 || got.Status != models.SessionImplementing || got.Branch != "issue/12" {
		t.Errorf("Get() = %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped")
	}
}

func TestSave_Upsert(t *testing.T) {
	store := openStore(t)

	session := &models.Session{ID: "s1", Status: models.SessionPlanning}
	if err := store.Save(session); err != nil {
		t.Fatal(err)
	}
	created := session.CreatedAt

	session.Status = models.SessionPRCreated
	session.PRNumber = 7
	if err := store.Save(session); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.SessionPRCreated || got.PRNumber != 7 {
		t.Errorf("upsert lost fields: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at changed on upsert: %s vs %s", got.CreatedAt, created)
	}
}

func TestGet_NotFound(t *testing.T) {
	store := openStore(t)
	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestGetByPR(t *testing.T) {
	store := openStore(t)
	if err := store.Save(&models.Session{ID: "s1", PRNumber: 41, Status: models.SessionCIRunning}); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetByPR(41)
	if err != nil {
		t.Fatalf("GetByPR() error: %v", err)
	}
	if got.ID != "s1" {
		t.Errorf("GetByPR() = %s", got.ID)
	}
	if _, err := store.GetByPR(999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByPR(missing) error = %v", err)
	}
}

func TestIncrementAttempts(t *testing.T) {
	store := openStore(t)
	if err := store.Save(&models.Session{ID: "s1", Status: models.SessionCIRunning}); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		got, err := store.IncrementCIAttempts("s1")
		if err != nil {
			t.Fatalf("IncrementCIAttempts() error: %v", err)
		}
		if got != want {
			t.Errorf("ci attempts = %d, want %d", got, want)
		}
	}

	got, err := store.IncrementReviewAttempts("s1")
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("review attempts = %d, want 1", got)
	}

	session, _ := store.Get("s1")
	if session.Attempts.CI != 3 || session.Attempts.Review != 1 {
		t.Errorf("attempts = %+v", session.Attempts)
	}
}

func TestSetStatus(t *testing.T) {
	store := openStore(t)
	if err := store.Save(&models.Session{ID: "s1", Status: models.SessionCIRunning}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetStatus("s1", models.SessionEscalated, "budget exhausted"); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}
	got, _ := store.Get("s1")
	if got.Status != models.SessionEscalated || got.Stage != "budget exhausted" {
		t.Errorf("SetStatus result = %+v", got)
	}
	if !got.IsTerminal() {
		t.Error("escalated session not terminal")
	}
	if err := store.SetStatus("missing", models.SessionFailed, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetStatus(missing) error = %v", err)
	}
}

func TestListActive(t *testing.T) {
	store := openStore(t)
	for _, s := range []*models.Session{
		{ID: "active1", Status: models.SessionImplementing},
		{ID: "active2", Status: models.SessionReviewPending},
		{ID: "done", Status: models.SessionMerged},
		{ID: "dead", Status: models.SessionFailed},
	} {
		if err := store.Save(s); err != nil {
			t.Fatal(err)
		}
	}

	active, err := store.ListActive()
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ListActive() = %d sessions, want 2", len(active))
	}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("terminal session %s listed as active", s.ID)
		}
	}
}

func TestPurgeTerminal(t *testing.T) {
	store := openStore(t)
	if err := store.Save(&models.Session{ID: "old", Status: models.SessionMerged}); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(&models.Session{ID: "live", Status: models.SessionImplementing}); err != nil {
		t.Fatal(err)
	}

	// Zero cutoff: everything terminal updated before now is removed.
	time.Sleep(time.Second + 10*time.Millisecond)
	n, err := store.PurgeTerminal(0)
	if err != nil {
		t.Fatalf("PurgeTerminal() error: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}
	if _, err := store.Get("live"); err != nil {
		t.Errorf("active session purged: %v", err)
	}
}

func TestOpen_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(&models.Session{ID: "s1", Status: models.SessionPlanning}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer store.Close()
	if _, err := store.Get("s1"); err != nil {
		t.Errorf("session lost across reopen: %v", err)
	}
}
