// Package orchestrator owns the session lifecycle: it accepts start/stop/extend
// requests, drives provisioning through the VM manager and flag injector, and
// enforces session lifetimes with per-session timers and a periodic sweep.
package orchestrator

import (
	"encoding/json"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	ot "github.com/opentracing/opentracing-go"
	otlog "github.com/opentracing/opentracing-go/log"
	log "github.com/sirupsen/logrus"

	"github.com/rangelab-io/rangelab-core/config"
	"github.com/rangelab-io/rangelab-core/db"
	models "github.com/rangelab-io/rangelab-core/db/models"
	"github.com/rangelab-io/rangelab-core/injector"
	"github.com/rangelab-io/rangelab-core/services"
	"github.com/rangelab-io/rangelab-core/vm"
)

// SessionOrchestrator coordinates sessions across the VM manager, the flag
// injector, and the data layer. All status check-and-transitions happen under its
// lock, so every teardown path (timer fire, explicit stop, sweep) converges on the
// same idempotent StopSession and only the first caller performs real work.
type SessionOrchestrator struct {
	Config    config.RangelabConfig
	Db        db.DataManager
	VMs       *vm.Manager
	Injector  *injector.Injector
	NC        *nats.Conn
	BuildInfo map[string]string

	mu        sync.Mutex
	timers    map[string]*time.Timer
	totalEver int
}

func NewOrchestrator(cfg config.RangelabConfig, dm db.DataManager, vms *vm.Manager, inj *injector.Injector, nc *nats.Conn) *SessionOrchestrator {
	return &SessionOrchestrator{
		Config:   cfg,
		Db:       dm,
		VMs:      vms,
		Injector: inj,
		NC:       nc,
		timers:   map[string]*time.Timer{},
	}
}

// Start runs the orchestrator's background work: it re-arms expiry timers for any
// sessions already in the data layer (timers don't survive a restart; the sweep
// would catch these eventually, but re-arming keeps teardown prompt) and then runs
// the periodic cleanup sweep. Meant to be run as a goroutine; blocks forever.
func (s *SessionOrchestrator) Start() error {

	tracer := ot.GlobalTracer()
	span := tracer.StartSpan("orchestrator_root")
	defer span.Finish()

	sessions, err := s.Db.ListSessions(span.Context())
	if err != nil {
		return err
	}
	for id := range sessions {
		sess := sessions[id]
		if !sess.Status.Terminal() {
			s.scheduleExpiry(sess.ID, sess.ExpiresAt)
		}
	}

	go func() {
		interval := time.Duration(s.Config.CleanupInterval) * time.Minute
		for {
			time.Sleep(interval)
			s.sweep(span.Context())
		}
	}()

	// Wait forever
	ch := make(chan struct{})
	<-ch

	return nil
}

// sweep is the safety net behind the per-session expiry timers. It stops any
// non-terminal session whose expiry has passed or whose last activity is older
// than the inactivity threshold. Racing an explicit StopSession for the same id
// is safe; StopSession's check-and-transition makes the loser a no-op.
func (s *SessionOrchestrator) sweep(sc ot.SpanContext) {
	span := ot.StartSpan("orchestrator_sweep", ot.ChildOf(sc))
	defer span.Finish()

	sessions, err := s.Db.ListSessions(span.Context())
	if err != nil {
		log.Errorf("Cleanup sweep couldn't list sessions: %v", err)
		span.LogFields(otlog.Error(err))
		return
	}

	inactivity := time.Duration(s.Config.InactivityTimeout) * time.Minute
	now := time.Now()

	for id := range sessions {
		sess := sessions[id]
		if sess.Status.Terminal() {
			continue
		}

		if now.After(sess.ExpiresAt) {
			log.Infof("Sweep: session %s expired at %s, stopping", sess.ID, sess.ExpiresAt)
			s.StopSession(span.Context(), sess.ID, "expired")
			continue
		}

		if sess.Status == models.Status_RUNNING && now.Sub(sess.LastActivity) > inactivity {
			log.Infof("Sweep: session %s inactive since %s, stopping", sess.ID, sess.LastActivity)
			s.StopSession(span.Context(), sess.ID, "inactive")
		}
	}
}

// scheduleExpiry (re)arms the expiry timer for a session. The timer is the primary
// teardown trigger; the sweep exists for timers lost to a restart.
func (s *SessionOrchestrator) scheduleExpiry(sessionID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
	}
	s.timers[sessionID] = time.AfterFunc(time.Until(expiresAt), func() {
		log.Debugf("Expiry timer fired for session %s", sessionID)
		tracer := ot.GlobalTracer()
		span := tracer.StartSpan("orchestrator_expiry_timer")
		defer span.Finish()
		s.StopSession(span.Context(), sessionID, "expired")
	})
}

func (s *SessionOrchestrator) cancelExpiry(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
		delete(s.timers, sessionID)
	}
}

// publish sends a fire-and-forget notification over NATS, with the span context
// prepended to the payload so subscribers can continue the trace. Publish problems
// are logged, never surfaced to the triggering operation.
func (s *SessionOrchestrator) publish(span ot.Span, subject string, event interface{}) {
	if s.NC == nil {
		return
	}

	tracer := ot.GlobalTracer()
	var t services.TraceMsg
	if err := tracer.Inject(span.Context(), ot.Binary, &t); err != nil {
		log.Errorf("Failed to inject span context into %s message: %v", subject, err)
	}

	reqBytes, err := json.Marshal(event)
	if err != nil {
		log.Errorf("Failed to marshal %s event: %v", subject, err)
		return
	}
	t.Write(reqBytes)

	if err := s.NC.Publish(subject, t.Bytes()); err != nil {
		log.Errorf("Failed to publish %s event: %v", subject, err)
	}
}
