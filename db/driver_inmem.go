package db

import (
	"fmt"
	"sync"

	ot "github.com/opentracing/opentracing-go"

	models "github.com/rangelab-io/rangelab-core/db/models"
)

// NewRDMInMem produces an initialized instance of RDMInMem ready to be used
func NewRDMInMem() DataManager {

	return &RDMInMem{
		labs:       map[string]*models.Lab{},
		labsMu:     &sync.Mutex{},
		sessions:   map[string]*models.Session{},
		sessionsMu: &sync.Mutex{},
	}

}

// RDMInMem is an implementation of DataManager which uses in-memory
// constructs as a backing data store
type RDMInMem struct {

	// All fields are unexported; since these are managed in memory, they should only be
	// accessible through exported functions in this driver that allow this to be done safely
	labs       map[string]*models.Lab
	labsMu     *sync.Mutex
	sessions   map[string]*models.Session
	sessionsMu *sync.Mutex
}

var _ DataManager = &RDMInMem{}

// HOUSEKEEPING

// Preflight performs any necessary tasks to ensure the database is ready to be used.
//
// This function is left blank for the in-memory driver, as it's not needed.
func (r *RDMInMem) Preflight(sc ot.SpanContext) error {
	return nil
}

// Initialize resets a rangelab datastore to its defaults.
//
// This function is left blank for the in-memory driver, as it's not needed.
func (r *RDMInMem) Initialize(sc ot.SpanContext) error {
	return nil
}

// LABS

// InsertLabs takes a slice of Labs, and creates entries for each in the in-memory store.
//
// NOTE that insert operations silently overwrite any existing entities. This is okay
// for this driver, since lab definitions are only imported at startup.
func (r *RDMInMem) InsertLabs(sc ot.SpanContext, labs []*models.Lab) error {
	span := ot.StartSpan("db_lab_insert", ot.ChildOf(sc))
	defer span.Finish()

	r.labsMu.Lock()
	defer r.labsMu.Unlock()
	for i := range labs {
		r.labs[labs[i].Slug] = labs[i]
	}
	return nil
}

// ListLabs lists the Labs currently available in the data store
func (r *RDMInMem) ListLabs(sc ot.SpanContext) (map[string]models.Lab, error) {
	span := ot.StartSpan("db_lab_list", ot.ChildOf(sc))
	defer span.Finish()

	r.labsMu.Lock()
	defer r.labsMu.Unlock()
	labs := map[string]models.Lab{}
	for slug, lab := range r.labs {
		labs[slug] = *lab
	}
	return labs, nil
}

// GetLab retrieves a specific lab from the data store
func (r *RDMInMem) GetLab(sc ot.SpanContext, slug string) (*models.Lab, error) {
	span := ot.StartSpan("db_lab_get", ot.ChildOf(sc))
	defer span.Finish()

	r.labsMu.Lock()
	defer r.labsMu.Unlock()
	if lab, ok := r.labs[slug]; ok {
		return lab, nil
	}
	return nil, fmt.Errorf("Unable to find lab %s", slug)
}

// SESSIONS

// copySession clones a session so that nothing handed out by this driver aliases
// driver-held memory. Sessions are mutated concurrently by the orchestrator's
// lifecycle goroutines while the sweep and the stats exporter read them; handing
// out the stored pointer would let those reads race in-flight writes. Callers
// mutate their copy and persist it with UpdateSession.
func copySession(session *models.Session) *models.Session {
	c := *session
	if session.ConnectionInfo != nil {
		info := *session.ConnectionInfo
		c.ConnectionInfo = &info
	}
	if session.Flags != nil {
		c.Flags = map[string]*models.SessionFlag{}
		for name, flag := range session.Flags {
			f := *flag
			c.Flags[name] = &f
		}
	}
	c.Warnings = append([]string(nil), session.Warnings...)
	return &c
}

// CreateSession creates a new instance within the in-memory store
func (r *RDMInMem) CreateSession(sc ot.SpanContext, session *models.Session) error {
	span := ot.StartSpan("db_session_create", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", session.ID)

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if _, ok := r.sessions[session.ID]; ok {
		return fmt.Errorf("Session %s already exists", session.ID)
	}
	r.sessions[session.ID] = copySession(session)
	return nil
}

// ListSessions lists the sessions currently available in the data store.
// Returned values are copies; mutations must go through UpdateSession.
func (r *RDMInMem) ListSessions(sc ot.SpanContext) (map[string]models.Session, error) {
	span := ot.StartSpan("db_session_list", ot.ChildOf(sc))
	defer span.Finish()

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	sessions := map[string]models.Session{}
	for id, session := range r.sessions {
		sessions[id] = *copySession(session)
	}
	return sessions, nil
}

// GetSession retrieves a specific session from the data store. The returned
// session is a copy; mutations must go back through UpdateSession.
func (r *RDMInMem) GetSession(sc ot.SpanContext, id string) (*models.Session, error) {
	span := ot.StartSpan("db_session_get", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", id)

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if session, ok := r.sessions[id]; ok {
		return copySession(session), nil
	}
	return nil, fmt.Errorf("Unable to find session %s", id)
}

// UpdateSession updates an existing session in the in-memory data store
func (r *RDMInMem) UpdateSession(sc ot.SpanContext, session *models.Session) error {
	span := ot.StartSpan("db_session_update", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", session.ID)

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	if _, ok := r.sessions[session.ID]; !ok {
		return fmt.Errorf("Unable to update session %s: not found", session.ID)
	}
	r.sessions[session.ID] = copySession(session)
	return nil
}

// DeleteSession removes a session from the in-memory data store
func (r *RDMInMem) DeleteSession(sc ot.SpanContext, id string) error {
	span := ot.StartSpan("db_session_delete", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", id)

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	delete(r.sessions, id)
	return nil
}
