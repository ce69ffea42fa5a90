package db

import (
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	models "github.com/rangelab-io/rangelab-core/db/models"
)

// assert fails the test if the condition is false.
func assert(tb testing.TB, condition bool, msg string, v ...interface{}) {
	if !condition {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d: "+msg+"\033[39m\n\n", append([]interface{}{filepath.Base(file), line}, v...)...)
		tb.FailNow()
	}
}

// ok fails the test if an err is not nil.
func ok(tb testing.TB, err error) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d: unexpected error: %s\033[39m\n\n", filepath.Base(file), line, err.Error())
		tb.FailNow()
	}
}

func TestLabCRUD(t *testing.T) {
	rdb := NewRDMInMem()

	err := rdb.InsertLabs(nil, []*models.Lab{
		{Slug: "rusty-gate", Name: "Rusty Gate"},
		{Slug: "glasshouse", Name: "Glasshouse"},
	})
	ok(t, err)

	labs, err := rdb.ListLabs(nil)
	ok(t, err)
	assert(t, len(labs) == 2, "expected 2 labs, got %d", len(labs))

	lab, err := rdb.GetLab(nil, "rusty-gate")
	ok(t, err)
	assert(t, lab.Name == "Rusty Gate", "unexpected lab name %s", lab.Name)

	_, err = rdb.GetLab(nil, "nonexistent")
	assert(t, err != nil, "expected error for missing lab")
}

func TestSessionCRUD(t *testing.T) {
	rdb := NewRDMInMem()

	session := &models.Session{
		ID:        "abcdef1234",
		UserID:    "user1",
		LabSlug:   "rusty-gate",
		Status:    models.Status_STARTING,
		StartedAt: time.Now(),
	}

	ok(t, rdb.CreateSession(nil, session))

	// Duplicate IDs must be rejected
	err := rdb.CreateSession(nil, &models.Session{ID: "abcdef1234"})
	assert(t, err != nil, "expected error for duplicate session ID")

	got, err := rdb.GetSession(nil, "abcdef1234")
	ok(t, err)
	assert(t, got.Status == models.Status_STARTING, "unexpected status %s", got.Status)

	got.Status = models.Status_RUNNING
	ok(t, rdb.UpdateSession(nil, got))

	// ListSessions returns copies - mutating them must not affect the store
	sessions, err := rdb.ListSessions(nil)
	ok(t, err)
	s := sessions["abcdef1234"]
	s.Status = models.Status_FAILED
	fresh, err := rdb.GetSession(nil, "abcdef1234")
	ok(t, err)
	assert(t, fresh.Status == models.Status_RUNNING, "list copy mutation leaked into store")

	ok(t, rdb.DeleteSession(nil, "abcdef1234"))
	_, err = rdb.GetSession(nil, "abcdef1234")
	assert(t, err != nil, "expected error after delete")

	// Deleting an already-deleted session is a no-op
	ok(t, rdb.DeleteSession(nil, "abcdef1234"))
}

func TestSessionCopySemantics(t *testing.T) {
	rdb := NewRDMInMem()

	session := &models.Session{
		ID:     "abcdef1234",
		UserID: "user1",
		Status: models.Status_RUNNING,
		ConnectionInfo: &models.ConnectionInfo{
			Mode: models.ConnectionModeIsolated,
			IP:   "10.66.0.50",
		},
		Flags: map[string]*models.SessionFlag{
			"user": {Value: "RLAB{00}", Points: 25},
		},
		Warnings: []string{"original"},
	}
	ok(t, rdb.CreateSession(nil, session))

	// The caller's pointer must not alias the stored record
	session.Status = models.Status_FAILED
	session.Flags["user"].Correct = true
	session.ConnectionInfo.IP = "changed"
	fresh, err := rdb.GetSession(nil, "abcdef1234")
	ok(t, err)
	assert(t, fresh.Status == models.Status_RUNNING, "caller mutation leaked into store")
	assert(t, !fresh.Flags["user"].Correct, "flag mutation leaked into store")
	assert(t, fresh.ConnectionInfo.IP == "10.66.0.50", "connection info mutation leaked into store")

	// Nor must the copy handed out by GetSession
	fresh.Status = models.Status_STOPPED
	fresh.Flags["user"].Submitted = true
	fresh.Warnings = append(fresh.Warnings, "extra")
	again, err := rdb.GetSession(nil, "abcdef1234")
	ok(t, err)
	assert(t, again.Status == models.Status_RUNNING, "get copy mutation leaked into store")
	assert(t, !again.Flags["user"].Submitted, "get copy flag mutation leaked into store")
	assert(t, len(again.Warnings) == 1, "get copy warnings mutation leaked into store")

	// UpdateSession persists values, not the caller's pointer
	fresh.Status = models.Status_RUNNING
	ok(t, rdb.UpdateSession(nil, fresh))
	fresh.Status = models.Status_EXPIRED
	final, err := rdb.GetSession(nil, "abcdef1234")
	ok(t, err)
	assert(t, final.Status == models.Status_RUNNING, "post-update mutation leaked into store")
}

func TestRandomID(t *testing.T) {
	a := RandomID(10)
	b := RandomID(10)
	assert(t, len(a) == 10, "expected length 10, got %d", len(a))
	assert(t, a != b, "consecutive IDs should differ")
}
