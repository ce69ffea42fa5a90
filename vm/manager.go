// Package vm manages the lifecycle of per-session VM instances: template import,
// copy-on-write overlay creation, define/start/stop/delete through the hypervisor
// control plane, and address resolution.
package vm

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	ot "github.com/opentracing/opentracing-go"
	ext "github.com/opentracing/opentracing-go/ext"
	otlog "github.com/opentracing/opentracing-go/log"
	log "github.com/sirupsen/logrus"

	uuid "github.com/google/uuid"

	"github.com/rangelab-io/rangelab-core/config"
	models "github.com/rangelab-io/rangelab-core/db/models"
	"github.com/rangelab-io/rangelab-core/network"
	"github.com/rangelab-io/rangelab-core/services"
)

// qcow2 images start with the magic bytes "QFI\xfb"
var qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

// Instance is the registry record for one session's VM.
type Instance struct {
	ID        string
	SessionID string
	LabSlug   string

	// Hypervisor-side identifier returned by DefineAndStart
	DomainID string

	OverlayPath string
	MAC         string

	// Address resolved from the DHCP lease table once the instance boots. This is
	// the address the injector uses; user-facing connection info comes from the
	// network reservation.
	Address string

	State       InstanceState
	Reservation *network.Reservation
}

// Manager owns the in-memory instance registry and the managed template store.
// All registry mutations happen under its lock; it is the single owner required
// by the teardown idempotence discipline.
type Manager struct {
	Config     config.RangelabConfig
	Hypervisor Hypervisor
	Allocator  *network.Allocator

	mu        sync.Mutex
	instances map[string]*Instance // keyed by sessionID

	tmu       sync.Mutex
	templates map[string]string // templateID -> image path in the template store
}

// NewManager produces an initialized Manager ready to be used.
func NewManager(cfg config.RangelabConfig, h Hypervisor, a *network.Allocator) *Manager {
	return &Manager{
		Config:     cfg,
		Hypervisor: h,
		Allocator:  a,
		instances:  map[string]*Instance{},
		templates:  map[string]string{},
	}
}

// ImportTemplate validates a lab's base image and copies it into the managed
// template store under a name derived from the lab. Importing an already-imported
// lab is a no-op that returns the existing reference.
func (m *Manager) ImportTemplate(sc ot.SpanContext, imagePath string, lab *models.Lab) (string, error) {
	span := ot.StartSpan("vm_template_import", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("labSlug", lab.Slug)

	templateID := lab.Slug

	m.tmu.Lock()
	defer m.tmu.Unlock()

	if existing, ok := m.templates[templateID]; ok {
		log.Debugf("Template %s already imported at %s", templateID, existing)
		return templateID, nil
	}

	dest := filepath.Join(m.Config.TemplateDir, fmt.Sprintf("%s.qcow2", templateID))

	// A template already on disk from a previous run just needs re-registering
	if _, err := os.Stat(dest); err == nil {
		m.templates[templateID] = dest
		return templateID, nil
	}

	if err := validateImage(imagePath); err != nil {
		span.LogFields(otlog.Error(err))
		ext.Error.Set(span, true)
		return "", err
	}

	if err := os.MkdirAll(m.Config.TemplateDir, 0755); err != nil {
		return "", err
	}
	if err := copyFile(imagePath, dest); err != nil {
		span.LogFields(otlog.Error(err))
		ext.Error.Set(span, true)
		return "", err
	}

	m.templates[templateID] = dest
	log.Infof("Imported template %s from %s", templateID, imagePath)
	return templateID, nil
}

// MACForSession derives a stable hardware address for a session. The locally
// administered QEMU prefix plus three hash bytes gives 2^24 addresses, which is
// collision-resistant at this design's concurrency cap.
func MACForSession(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

// CreateInstance reserves a network identity, lays down a copy-on-write overlay on
// the lab's template, and defines and boots the instance. Any failure rolls back
// whatever was already allocated before the error propagates.
func (m *Manager) CreateInstance(sc ot.SpanContext, templateID, sessionID string, lab *models.Lab) (*Instance, error) {
	span := ot.StartSpan("vm_instance_create", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)
	span.SetTag("templateID", templateID)

	m.tmu.Lock()
	templatePath, ok := m.templates[templateID]
	m.tmu.Unlock()
	if !ok {
		return nil, services.NotFoundError{Msg: fmt.Sprintf("Template %s not found", templateID)}
	}

	// Claim the session slot in the registry before doing any work, so a concurrent
	// second CreateInstance for the same session fails cleanly instead of racing
	// toward a duplicate overlay at the same path.
	inst := &Instance{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		LabSlug:   lab.Slug,
		MAC:       MACForSession(sessionID),
		State:     StateProvisioning,
	}
	m.mu.Lock()
	if _, exists := m.instances[sessionID]; exists {
		m.mu.Unlock()
		return nil, services.ConflictError{Msg: fmt.Sprintf("Session %s already has an instance", sessionID)}
	}
	m.instances[sessionID] = inst
	m.mu.Unlock()

	res, err := m.Allocator.Reserve(span.Context(), sessionID, lab.VM.NetworkMode)
	if err != nil {
		m.dropRegistration(sessionID)
		span.LogFields(otlog.Error(err))
		ext.Error.Set(span, true)
		return nil, err
	}
	inst.Reservation = res

	if err := os.MkdirAll(m.Config.OverlayDir, 0755); err != nil {
		m.rollbackCreate(span.Context(), inst, false, false)
		return nil, services.ProvisioningError{Msg: "Couldn't prepare overlay directory", Cause: err}
	}

	overlayPath := filepath.Join(m.Config.OverlayDir, fmt.Sprintf("%s.qcow2", sessionID))
	if _, err := m.Hypervisor.CreateOverlay(templatePath, overlayPath); err != nil {
		m.rollbackCreate(span.Context(), inst, false, false)
		span.LogFields(otlog.Error(err))
		ext.Error.Set(span, true)
		return nil, services.ProvisioningError{Msg: "Overlay creation failed", Cause: err}
	}
	inst.OverlayPath = overlayPath

	domainID, err := m.Hypervisor.DefineAndStart(InstanceSpec{
		Name:        fmt.Sprintf("rangelab-%s-%s", m.Config.InstanceID, sessionID),
		OverlayPath: overlayPath,
		RAMMB:       lab.VM.RAMMB,
		VCPUs:       lab.VM.VCPUs,
		MAC:         inst.MAC,
		Network:     m.Config.Hypervisor.MgmtNetwork,
		Mode:        lab.VM.NetworkMode,
	})
	if err != nil {
		m.rollbackCreate(span.Context(), inst, true, false)
		span.LogFields(otlog.Error(err))
		ext.Error.Set(span, true)
		return nil, services.ProvisioningError{Msg: "Hypervisor define/start failed", Cause: err}
	}
	inst.DomainID = domainID

	log.Infof("Created instance %s for session %s (domain %s)", inst.ID, sessionID, domainID)
	return inst, nil
}

// dropRegistration removes a session's registry entry. Used on create failures
// before any resources were allocated.
func (m *Manager) dropRegistration(sessionID string) {
	m.mu.Lock()
	delete(m.instances, sessionID)
	m.mu.Unlock()
}

// rollbackCreate unwinds a partially created instance. Each step is best-effort;
// rollback failures are logged, never escalated.
func (m *Manager) rollbackCreate(sc ot.SpanContext, inst *Instance, removeOverlay, destroyDomain bool) {
	span := ot.StartSpan("vm_instance_rollback", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", inst.SessionID)

	if destroyDomain && inst.DomainID != "" {
		if err := m.Hypervisor.Destroy(inst.DomainID); err != nil {
			log.Warnf("Rollback: couldn't destroy domain %s: %v", inst.DomainID, err)
		}
		if err := m.Hypervisor.Undefine(inst.DomainID); err != nil {
			log.Warnf("Rollback: couldn't undefine domain %s: %v", inst.DomainID, err)
		}
	}
	if removeOverlay && inst.OverlayPath != "" {
		if err := os.Remove(inst.OverlayPath); err != nil && !os.IsNotExist(err) {
			log.Warnf("Rollback: couldn't remove overlay %s: %v", inst.OverlayPath, err)
		}
	}
	m.Allocator.Release(span.Context(), inst.SessionID)
	m.dropRegistration(inst.SessionID)
}

// StartInstance waits (bounded) for the instance to reach the running state, then
// resolves its address from the DHCP lease table and returns user-facing connection
// info derived from the session's network reservation.
func (m *Manager) StartInstance(sc ot.SpanContext, sessionID string) (*models.ConnectionInfo, error) {
	span := ot.StartSpan("vm_instance_start", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)

	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, services.NotFoundError{Msg: fmt.Sprintf("No instance for session %s", sessionID)}
	}

	bootTimeout := time.Duration(m.Config.Hypervisor.BootTimeout) * time.Second
	deadline := time.Now().Add(bootTimeout)
	for {
		state, err := m.Hypervisor.GetState(inst.DomainID)
		if err == nil && state == StateRunning {
			break
		}
		if time.Now().After(deadline) {
			ext.Error.Set(span, true)
			return nil, services.TimeoutError{Msg: fmt.Sprintf("Instance %s not running after %s", inst.DomainID, bootTimeout)}
		}
		time.Sleep(2 * time.Second)
	}

	// The guest's management address comes from the lease table, keyed by the MAC we
	// derived for this session. Lease propagation can lag the running state.
	var addr string
	for {
		var err error
		addr, err = m.Hypervisor.ResolveLease(m.Config.Hypervisor.MgmtNetwork, inst.MAC)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			ext.Error.Set(span, true)
			return nil, services.TimeoutError{Msg: fmt.Sprintf("No DHCP lease for %s within boot timeout", inst.MAC)}
		}
		time.Sleep(2 * time.Second)
	}

	m.mu.Lock()
	inst.Address = addr
	inst.State = StateRunning
	m.mu.Unlock()
	span.LogFields(otlog.String("resolvedAddress", addr))

	switch inst.Reservation.Mode {
	case models.NetworkModeIsolated:
		return &models.ConnectionInfo{
			Mode: models.ConnectionModeIsolated,
			IP:   inst.Reservation.IP,
		}, nil
	case models.NetworkModeNAT:
		return &models.ConnectionInfo{
			Mode:    models.ConnectionModeNAT,
			Host:    m.Config.Domain,
			SSHPort: inst.Reservation.SSHPort,
			WebPort: inst.Reservation.WebPort,
		}, nil
	default:
		return nil, services.ValidationError{Msg: fmt.Sprintf("Unknown reservation mode %s", inst.Reservation.Mode)}
	}
}

// StopInstance hard-stops a session's instance without deleting it.
func (m *Manager) StopInstance(sc ot.SpanContext, sessionID string) error {
	span := ot.StartSpan("vm_instance_stop", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)

	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	m.mu.Unlock()
	if !ok {
		return services.NotFoundError{Msg: fmt.Sprintf("No instance for session %s", sessionID)}
	}

	if err := m.Hypervisor.Destroy(inst.DomainID); err != nil {
		return err
	}

	m.mu.Lock()
	inst.State = StateStopped
	m.mu.Unlock()
	return nil
}

// DeleteInstance tears down a session's instance: stop, undefine, overlay removal,
// network release. Safe to call multiple times - a missing registry entry is a
// successful no-op. Each step is attempted independently so a failure in one does
// not block the others.
func (m *Manager) DeleteInstance(sc ot.SpanContext, sessionID string) error {
	span := ot.StartSpan("vm_instance_delete", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)

	// Removing the registry entry up front makes this idempotent under racing
	// teardown paths: only the caller that wins the delete performs real work.
	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	if ok {
		delete(m.instances, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		log.Debugf("DeleteInstance: no instance for session %s, nothing to do", sessionID)
		return nil
	}

	if err := m.Hypervisor.Destroy(inst.DomainID); err != nil {
		log.Warnf("Teardown: couldn't destroy domain %s: %v", inst.DomainID, err)
	}
	if err := m.Hypervisor.Undefine(inst.DomainID); err != nil {
		log.Warnf("Teardown: couldn't undefine domain %s: %v", inst.DomainID, err)
	}
	if inst.OverlayPath != "" {
		if err := os.Remove(inst.OverlayPath); err != nil && !os.IsNotExist(err) {
			log.Warnf("Teardown: couldn't remove overlay %s: %v", inst.OverlayPath, err)
		}
	}
	m.Allocator.Release(span.Context(), sessionID)

	log.Infof("Deleted instance for session %s", sessionID)
	return nil
}

// GetInstance returns the registry record for a session, if present.
func (m *Manager) GetInstance(sessionID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[sessionID]
	return inst, ok
}

// GetInstanceStatus reconciles the registry's cached state against a live query to
// the hypervisor, updating the registry if they disagree.
func (m *Manager) GetInstanceStatus(sc ot.SpanContext, sessionID string) (InstanceState, error) {
	span := ot.StartSpan("vm_instance_status", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)

	m.mu.Lock()
	inst, ok := m.instances[sessionID]
	m.mu.Unlock()
	if !ok {
		return StateDeleted, nil
	}

	live, err := m.Hypervisor.GetState(inst.DomainID)
	if err != nil {
		return inst.State, err
	}

	m.mu.Lock()
	if inst.State != live {
		log.Warnf("Registry state %s disagrees with live state %s for session %s; updating",
			inst.State, live, sessionID)
		inst.State = live
	}
	m.mu.Unlock()

	return live, nil
}

// InstanceCount returns the number of instances currently registered.
func (m *Manager) InstanceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

func validateImage(imagePath string) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return services.ValidationError{Msg: fmt.Sprintf("Base image %s unreadable: %v", imagePath, err)}
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil || !bytes.Equal(magic, qcow2Magic) {
		return services.ValidationError{Msg: fmt.Sprintf("Base image %s is not a qcow2 image", imagePath)}
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
