package db

import (
	"math/rand"
	"time"

	ot "github.com/opentracing/opentracing-go"

	models "github.com/rangelab-io/rangelab-core/db/models"
)

// DataManager defines the behavior for the rangelab data layer. The orchestrator
// treats this as the source of truth for durability, not for in-flight coordination -
// all live coordination happens in the orchestrator's own locks.
type DataManager interface {

	// Housekeeping
	Preflight(sc ot.SpanContext) error
	Initialize(sc ot.SpanContext) error

	// Labs
	InsertLabs(sc ot.SpanContext, labs []*models.Lab) error
	ListLabs(sc ot.SpanContext) (map[string]models.Lab, error)
	GetLab(sc ot.SpanContext, slug string) (*models.Lab, error)

	// Sessions
	CreateSession(sc ot.SpanContext, session *models.Session) error
	ListSessions(sc ot.SpanContext) (map[string]models.Session, error)
	GetSession(sc ot.SpanContext, id string) (*models.Session, error)
	UpdateSession(sc ot.SpanContext, session *models.Session) error
	DeleteSession(sc ot.SpanContext, id string) error
}

func init() {
	rand.Seed(time.Now().UnixNano())
}

const idCharset = "abcdefghijklmnopqrstuvwxyz1234567890"

// RandomID generates a new random string ID of the specified length
func RandomID(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = idCharset[rand.Intn(len(idCharset))]
	}
	return string(b)
}
