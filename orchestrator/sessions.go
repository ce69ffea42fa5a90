package orchestrator

import (
	"fmt"
	"path/filepath"
	"time"

	copier "github.com/jinzhu/copier"
	ot "github.com/opentracing/opentracing-go"
	ext "github.com/opentracing/opentracing-go/ext"
	otlog "github.com/opentracing/opentracing-go/log"
	log "github.com/sirupsen/logrus"

	"github.com/rangelab-io/rangelab-core/db"
	models "github.com/rangelab-io/rangelab-core/db/models"
	"github.com/rangelab-io/rangelab-core/injector"
	"github.com/rangelab-io/rangelab-core/services"
)

// SystemStatus is a point-in-time summary of orchestrator load.
type SystemStatus struct {
	ActiveCount   int `json:"ActiveCount"`
	MaxConcurrent int `json:"MaxConcurrent"`
	TotalEver     int `json:"TotalEver"`
}

// StartSession creates a new session for the given user and lab and kicks off
// provisioning asynchronously. The returned session is in STARTING status with an
// estimated expiry; connection info is populated once provisioning finishes.
//
// Rejected with ConflictError if the user already has an active session, and with
// CapacityError if the global concurrent-session cap is reached - in both cases
// before any resource is allocated.
func (s *SessionOrchestrator) StartSession(sc ot.SpanContext, userID, labSlug string) (*models.Session, error) {
	span := ot.StartSpan("orchestrator_start_session", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("userID", userID)
	span.SetTag("labSlug", labSlug)

	lab, err := s.Db.GetLab(span.Context(), labSlug)
	if err != nil {
		span.LogFields(otlog.Error(err))
		ext.Error.Set(span, true)
		return nil, services.NotFoundError{Msg: fmt.Sprintf("Lab %s not found", labSlug)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.Db.ListSessions(span.Context())
	if err != nil {
		span.LogFields(otlog.Error(err))
		ext.Error.Set(span, true)
		return nil, err
	}

	active := 0
	for id := range sessions {
		sess := sessions[id]
		if sess.Status.Terminal() {
			continue
		}
		active++
		if sess.UserID == userID {
			return nil, services.ConflictError{
				Msg: fmt.Sprintf("User %s already has an active session (%s)", userID, sess.ID),
			}
		}
	}
	if active >= s.Config.MaxConcurrentSessions {
		return nil, services.CapacityError{
			Msg: fmt.Sprintf("Maximum concurrent sessions reached (%d)", s.Config.MaxConcurrentSessions),
		}
	}

	now := time.Now()
	session := &models.Session{
		ID:           db.RandomID(10),
		UserID:       userID,
		LabSlug:      labSlug,
		Status:       models.Status_STARTING,
		StartedAt:    now,
		ExpiresAt:    now.Add(time.Duration(s.Config.SessionTTL) * time.Minute),
		LastActivity: now,
	}
	session.Flags = injector.GenerateSessionFlags(session, lab, s.Config.ServerSecret)

	if err := s.Db.CreateSession(span.Context(), session); err != nil {
		span.LogFields(otlog.Error(err))
		ext.Error.Set(span, true)
		return nil, err
	}
	s.totalEver++

	log.Infof("Session %s starting for user %s (lab %s)", session.ID, userID, labSlug)
	go s.provision(span.Context(), session.ID)

	ret := &models.Session{}
	copier.Copy(ret, session)
	return ret, nil
}

// provision drives a STARTING session to RUNNING: template import, instance
// creation and boot, then flag delivery. Any hard failure transitions the session
// to FAILED and rolls back whatever was allocated. Injection failure is explicitly
// not a hard failure.
func (s *SessionOrchestrator) provision(sc ot.SpanContext, sessionID string) {
	span := ot.StartSpan("orchestrator_provision", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)

	session, err := s.Db.GetSession(span.Context(), sessionID)
	if err != nil {
		log.Errorf("Provisioning %s: session vanished: %v", sessionID, err)
		return
	}
	lab, err := s.Db.GetLab(span.Context(), session.LabSlug)
	if err != nil {
		s.failSession(span.Context(), session, err)
		return
	}

	templateID, err := s.VMs.ImportTemplate(span.Context(), baseImagePath(lab), lab)
	if err != nil {
		s.failSession(span.Context(), session, err)
		return
	}

	if _, err := s.VMs.CreateInstance(span.Context(), templateID, sessionID, lab); err != nil {
		s.failSession(span.Context(), session, err)
		return
	}

	conn, err := s.VMs.StartInstance(span.Context(), sessionID)
	if err != nil {
		s.failSession(span.Context(), session, err)
		return
	}

	// Delivery targets the lease-resolved management address; the reservation's
	// user-facing address may only be reachable through the user's tunnel. A
	// missing registry entry means a concurrent stop already tore us down.
	inst, found := s.VMs.GetInstance(sessionID)
	if !found {
		log.Infof("Session %s stopped mid-provisioning, cleaning up", sessionID)
		s.VMs.DeleteInstance(span.Context(), sessionID)
		return
	}
	result := s.Injector.DeliverFlags(span.Context(), session, lab, inst.Address)
	if !result.Success {
		log.Warnf("Session %s: flag delivery failed, continuing anyway", sessionID)
	}

	// Re-fetch before the RUNNING transition; the session may have been stopped
	// while we were provisioning.
	s.mu.Lock()
	current, err := s.Db.GetSession(span.Context(), sessionID)
	if err != nil || current.Status.Terminal() {
		// The stop path already ran its teardown; ours catches anything
		// allocated after it looked.
		s.mu.Unlock()
		log.Infof("Session %s stopped mid-provisioning, cleaning up", sessionID)
		s.VMs.DeleteInstance(span.Context(), sessionID)
		return
	}
	current.Status = models.Status_RUNNING
	current.ConnectionInfo = conn
	current.Flags = session.Flags
	current.Warnings = append(current.Warnings, result.Warnings...)
	err = s.Db.UpdateSession(span.Context(), current)
	s.mu.Unlock()
	if err != nil {
		log.Errorf("Provisioning %s: failed to persist RUNNING status: %v", sessionID, err)
	}
	session = current

	s.scheduleExpiry(sessionID, session.ExpiresAt)

	provisioningTime := int(time.Since(session.StartedAt).Seconds())
	log.Infof("Session %s running (provisioned in %ds)", sessionID, provisioningTime)
	s.publish(span, services.SessionStarted, services.SessionEvent{
		SessionID:        session.ID,
		UserID:           session.UserID,
		LabSlug:          session.LabSlug,
		Status:           string(session.Status),
		Started:          session.StartedAt,
		ProvisioningTime: provisioningTime,
	})
}

// failSession transitions a session to FAILED and best-effort rolls back its
// resources. Never called once a session has reached RUNNING.
func (s *SessionOrchestrator) failSession(sc ot.SpanContext, session *models.Session, cause error) {
	span := ot.StartSpan("orchestrator_fail_session", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", session.ID)
	span.LogFields(otlog.Error(cause))
	ext.Error.Set(span, true)

	log.Errorf("Provisioning failed for session %s: %v", session.ID, cause)

	s.mu.Lock()
	current, err := s.Db.GetSession(span.Context(), session.ID)
	if err != nil || current.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	current.Status = models.Status_FAILED
	current.EndedAt = time.Now()
	current.Warnings = append(current.Warnings, fmt.Sprintf("provisioning failed: %v", cause))
	if err := s.Db.UpdateSession(span.Context(), current); err != nil {
		log.Errorf("Failed to persist FAILED status for session %s: %v", session.ID, err)
	}
	s.mu.Unlock()
	session = current

	s.cancelExpiry(session.ID)
	if err := s.VMs.DeleteInstance(span.Context(), session.ID); err != nil {
		log.Warnf("Rollback for session %s: %v", session.ID, err)
	}

	s.publish(span, services.SessionStopped, services.SessionEvent{
		SessionID: session.ID,
		UserID:    session.UserID,
		LabSlug:   session.LabSlug,
		Status:    string(models.Status_FAILED),
		Reason:    "provisioning-failure",
		Started:   session.StartedAt,
		Ended:     session.EndedAt,
	})
}

// ExtendSession pushes the session's expiry out and re-arms its timer. The
// extension length is the configured default unless the caller overrides it with
// a non-zero duration. Only RUNNING sessions can be extended, and only up to the
// configured number of extensions.
func (s *SessionOrchestrator) ExtendSession(sc ot.SpanContext, sessionID string, override time.Duration) (time.Time, error) {
	span := ot.StartSpan("orchestrator_extend_session", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.Db.GetSession(span.Context(), sessionID)
	if err != nil || session.Status != models.Status_RUNNING {
		return time.Time{}, services.NotFoundError{
			Msg: fmt.Sprintf("No running session %s to extend", sessionID),
		}
	}
	if session.ExtensionsUsed >= s.Config.MaxExtensions {
		return time.Time{}, services.LimitError{
			Msg: fmt.Sprintf("Session %s has used all %d extensions", sessionID, s.Config.MaxExtensions),
		}
	}

	extension := override
	if extension == 0 {
		extension = time.Duration(s.Config.ExtensionTime) * time.Minute
	}
	session.ExpiresAt = session.ExpiresAt.Add(extension)
	session.ExtensionsUsed++
	session.LastActivity = time.Now()
	if err := s.Db.UpdateSession(span.Context(), session); err != nil {
		span.LogFields(otlog.Error(err))
		ext.Error.Set(span, true)
		return time.Time{}, err
	}

	// Re-arm outside s.mu would race a concurrent stop's timer cancel; the
	// scheduleExpiry helper takes the same lock, so inline the re-arm here.
	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
	}
	expiresAt := session.ExpiresAt
	s.timers[sessionID] = time.AfterFunc(time.Until(expiresAt), func() {
		tracer := ot.GlobalTracer()
		tspan := tracer.StartSpan("orchestrator_expiry_timer")
		defer tspan.Finish()
		s.StopSession(tspan.Context(), sessionID, "expired")
	})

	log.Infof("Session %s extended to %s (%d/%d extensions used)",
		sessionID, session.ExpiresAt, session.ExtensionsUsed, s.Config.MaxExtensions)
	return session.ExpiresAt, nil
}

// StopSession transitions a session to its terminal status and tears down its
// instance and network reservation. Idempotent: if the session is already
// terminal, the current status is returned immediately and nothing else happens.
// A reason of "expired" or "inactive" lands the session in EXPIRED; anything else
// in STOPPED. Teardown errors are logged, never raised.
func (s *SessionOrchestrator) StopSession(sc ot.SpanContext, sessionID, reason string) (models.SessionStatus, error) {
	span := ot.StartSpan("orchestrator_stop_session", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)
	span.SetTag("reason", reason)

	s.mu.Lock()
	session, err := s.Db.GetSession(span.Context(), sessionID)
	if err != nil {
		s.mu.Unlock()
		return "", services.NotFoundError{Msg: fmt.Sprintf("Session %s not found", sessionID)}
	}
	if session.Status.Terminal() {
		status := session.Status
		s.mu.Unlock()
		log.Debugf("StopSession %s: already %s, nothing to do", sessionID, status)
		return status, nil
	}

	target := models.Status_STOPPED
	if reason == "expired" || reason == "inactive" {
		target = models.Status_EXPIRED
	}
	session.Status = target
	session.EndedAt = time.Now()
	if err := s.Db.UpdateSession(span.Context(), session); err != nil {
		log.Errorf("Failed to persist %s status for session %s: %v", target, sessionID, err)
	}
	s.mu.Unlock()

	s.cancelExpiry(sessionID)

	// Best-effort teardown. DeleteInstance is a no-op for sessions whose
	// provisioning never got as far as creating one.
	if err := s.VMs.DeleteInstance(span.Context(), sessionID); err != nil {
		log.Warnf("Teardown for session %s: %v", sessionID, err)
		span.LogFields(otlog.Error(err))
	}

	log.Infof("Session %s stopped (%s) after %s", sessionID, target, session.EndedAt.Sub(session.StartedAt))
	s.publish(span, services.SessionStopped, services.SessionEvent{
		SessionID: session.ID,
		UserID:    session.UserID,
		LabSlug:   session.LabSlug,
		Status:    string(target),
		Reason:    reason,
		Started:   session.StartedAt,
		Ended:     session.EndedAt,
	})

	return target, nil
}

// SubmitFlag validates a flag submission against the session's stored value.
// Returns (correct, points). A repeat submission of an already-correct flag is not
// an error; it returns (false, 0) so scoring collaborators can't double-count.
func (s *SessionOrchestrator) SubmitFlag(sc ot.SpanContext, sessionID, userID, flagName, value string) (bool, int, error) {
	span := ot.StartSpan("orchestrator_submit_flag", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)
	span.SetTag("flagName", flagName)

	s.mu.Lock()

	session, err := s.Db.GetSession(span.Context(), sessionID)
	if err != nil {
		s.mu.Unlock()
		return false, 0, services.NotFoundError{Msg: fmt.Sprintf("Session %s not found", sessionID)}
	}
	if session.UserID != userID {
		s.mu.Unlock()
		return false, 0, services.OwnershipError{
			Msg: fmt.Sprintf("Session %s does not belong to user %s", sessionID, userID),
		}
	}
	if session.Status != models.Status_RUNNING || time.Now().After(session.ExpiresAt) {
		s.mu.Unlock()
		return false, 0, services.NotFoundError{
			Msg: fmt.Sprintf("Session %s is not accepting submissions", sessionID),
		}
	}

	session.LastActivity = time.Now()

	flag, ok := session.Flags[flagName]
	if !ok {
		s.Db.UpdateSession(span.Context(), session)
		s.mu.Unlock()
		return false, 0, services.NotFoundError{
			Msg: fmt.Sprintf("Session has no flag named %s", flagName),
		}
	}

	if flag.Correct {
		// Idempotent repeat of a correct submission; no points awarded twice
		s.Db.UpdateSession(span.Context(), session)
		s.mu.Unlock()
		log.Debugf("Session %s: flag %s already submitted correctly", sessionID, flagName)
		return false, 0, nil
	}

	correct, points, err := injector.ValidateFlag(session, flagName, value)
	if err != nil {
		s.mu.Unlock()
		return false, 0, err
	}

	flag.Submitted = true
	if correct {
		flag.Correct = true
		log.Infof("Session %s: flag %s solved for %d points", sessionID, flagName, points)
	}
	s.Db.UpdateSession(span.Context(), session)
	s.mu.Unlock()

	s.publish(span, services.FlagSubmitted, services.FlagEvent{
		SessionID: session.ID,
		UserID:    session.UserID,
		LabSlug:   session.LabSlug,
		FlagName:  flagName,
		Correct:   correct,
		Points:    points,
		Submitted: time.Now(),
	})

	return correct, points, nil
}

// UpdateActivity refreshes the session's last-activity timestamp. Returns false
// without error if the session isn't running; activity on a dying session is not
// worth an error to the caller.
func (s *SessionOrchestrator) UpdateActivity(sc ot.SpanContext, sessionID, kind string) bool {
	span := ot.StartSpan("orchestrator_update_activity", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)
	span.SetTag("kind", kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.Db.GetSession(span.Context(), sessionID)
	if err != nil || session.Status != models.Status_RUNNING {
		return false
	}

	session.LastActivity = time.Now()
	if err := s.Db.UpdateSession(span.Context(), session); err != nil {
		log.Errorf("Failed to persist activity for session %s: %v", sessionID, err)
		return false
	}
	return true
}

// GetSessionInfo returns a deep copy of the session, safe for the caller to hold
// across further lifecycle transitions.
func (s *SessionOrchestrator) GetSessionInfo(sc ot.SpanContext, sessionID string) (*models.Session, error) {
	span := ot.StartSpan("orchestrator_get_session_info", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.Db.GetSession(span.Context(), sessionID)
	if err != nil {
		return nil, services.NotFoundError{Msg: fmt.Sprintf("Session %s not found", sessionID)}
	}

	ret := &models.Session{}
	copier.Copy(ret, session)
	return ret, nil
}

// GetSystemStatus reports current load against the configured cap.
func (s *SessionOrchestrator) GetSystemStatus(sc ot.SpanContext) (*SystemStatus, error) {
	span := ot.StartSpan("orchestrator_system_status", ot.ChildOf(sc))
	defer span.Finish()

	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.Db.ListSessions(span.Context())
	if err != nil {
		return nil, err
	}

	active := 0
	for id := range sessions {
		if !sessions[id].Status.Terminal() {
			active++
		}
	}

	return &SystemStatus{
		ActiveCount:   active,
		MaxConcurrent: s.Config.MaxConcurrentSessions,
		TotalEver:     s.totalEver,
	}, nil
}

// baseImagePath resolves a lab's base image the same way the ingestor validated
// it: relative paths are relative to the lab's own directory.
func baseImagePath(lab *models.Lab) string {
	if filepath.IsAbs(lab.BaseImage) {
		return lab.BaseImage
	}
	return filepath.Join(lab.LabDir, lab.BaseImage)
}
