// Package network assigns per-session network identities: a deterministic private
// address in isolated mode, or a tracked pair of forwarded host ports in NAT mode.
package network

import (
	"fmt"
	"hash/fnv"
	"net"
	"sync"

	ot "github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	"github.com/rangelab-io/rangelab-core/config"
	models "github.com/rangelab-io/rangelab-core/db/models"
	"github.com/rangelab-io/rangelab-core/services"
)

// isolatedPoolSize is the number of usable host offsets in the isolated pool.
// The pool covers offsets 2..191; offsets 0 and 1 are the network address and
// the gateway, and the top of the /24 stays free for management hosts.
const (
	isolatedPoolSize  = 190
	isolatedPoolStart = 2
)

// Reservation is a mode-tagged network identity held by exactly one session.
// Consumers must branch on Mode; the field sets for the two modes are disjoint.
type Reservation struct {
	SessionID string
	Mode      models.NetworkMode

	// Isolated mode only
	IP string

	// NAT mode only
	SSHPort int
	WebPort int
}

// Allocator hands out and tracks network reservations. All state is internal and
// mutex-guarded; construct one per process and inject it where needed.
type Allocator struct {
	mu sync.Mutex

	subnet *net.IPNet

	sshMin, sshMax int
	webMin, webMax int

	// sessionID -> reservation, plus reverse indexes for collision/exhaustion checks
	reservations map[string]*Reservation
	usedIPs      map[string]string // ip -> sessionID
	usedSSH      map[int]string    // port -> sessionID
	usedWeb      map[int]string    // port -> sessionID
}

// NewAllocator builds an Allocator from the daemon configuration.
func NewAllocator(cfg config.RangelabConfig) (*Allocator, error) {

	_, subnet, err := net.ParseCIDR(cfg.Network.IsolatedSubnet)
	if err != nil {
		return nil, fmt.Errorf("Invalid isolated subnet %s: %v", cfg.Network.IsolatedSubnet, err)
	}
	if ones, _ := subnet.Mask.Size(); ones > 24 {
		return nil, fmt.Errorf("Isolated subnet %s is too small for the session pool", cfg.Network.IsolatedSubnet)
	}

	if cfg.Network.SSHPortMin >= cfg.Network.SSHPortMax || cfg.Network.WebPortMin >= cfg.Network.WebPortMax {
		return nil, fmt.Errorf("NAT port ranges are malformed")
	}
	if cfg.Network.SSHPortMax >= cfg.Network.WebPortMin && cfg.Network.WebPortMax >= cfg.Network.SSHPortMin {
		return nil, fmt.Errorf("NAT SSH and web port ranges must be disjoint")
	}

	return &Allocator{
		subnet:       subnet,
		sshMin:       cfg.Network.SSHPortMin,
		sshMax:       cfg.Network.SSHPortMax,
		webMin:       cfg.Network.WebPortMin,
		webMax:       cfg.Network.WebPortMax,
		reservations: map[string]*Reservation{},
		usedIPs:      map[string]string{},
		usedSSH:      map[int]string{},
		usedWeb:      map[int]string{},
	}, nil
}

// IsolatedIPFor deterministically derives this session's address within the isolated
// pool. Repeated calls for the same sessionID always yield the same address.
func (a *Allocator) IsolatedIPFor(sessionID string) string {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	offset := isolatedPoolStart + int(h.Sum32()%isolatedPoolSize)

	ip := a.subnet.IP.To4()
	derived := net.IPv4(ip[0], ip[1], ip[2], byte(offset))
	return derived.String()
}

// Reserve assigns a network identity to the given session. A session holds at most
// one reservation; a second Reserve for the same session is an error.
func (a *Allocator) Reserve(sc ot.SpanContext, sessionID string, mode models.NetworkMode) (*Reservation, error) {
	span := ot.StartSpan("network_reserve", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)
	span.SetTag("mode", string(mode))

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.reservations[sessionID]; ok {
		return nil, fmt.Errorf("Session %s already holds a network reservation", sessionID)
	}

	switch mode {
	case models.NetworkModeIsolated:
		ip := a.IsolatedIPFor(sessionID)

		// The derivation is deterministic with no retry, so two live sessions can hash
		// to the same address. Refuse to share it rather than silently colliding.
		if holder, ok := a.usedIPs[ip]; ok {
			log.Warnf("Isolated address %s for session %s collides with session %s", ip, sessionID, holder)
			return nil, services.CapacityError{Msg: fmt.Sprintf("Isolated address %s is already in use", ip)}
		}

		res := &Reservation{SessionID: sessionID, Mode: mode, IP: ip}
		a.reservations[sessionID] = res
		a.usedIPs[ip] = sessionID
		log.Debugf("Reserved isolated address %s for session %s", ip, sessionID)
		return res, nil

	case models.NetworkModeNAT:
		sshPort, err := a.nextFreePort(a.usedSSH, a.sshMin, a.sshMax)
		if err != nil {
			return nil, err
		}
		webPort, err := a.nextFreePort(a.usedWeb, a.webMin, a.webMax)
		if err != nil {
			return nil, err
		}

		res := &Reservation{SessionID: sessionID, Mode: mode, SSHPort: sshPort, WebPort: webPort}
		a.reservations[sessionID] = res
		a.usedSSH[sshPort] = sessionID
		a.usedWeb[webPort] = sessionID
		log.Debugf("Reserved NAT ports %d/%d for session %s", sshPort, webPort, sessionID)
		return res, nil

	default:
		return nil, services.ValidationError{Msg: fmt.Sprintf("Unknown network mode %s", mode)}
	}
}

// nextFreePort scans a range for the first port not present in the used set.
// Caller must hold a.mu.
func (a *Allocator) nextFreePort(used map[int]string, min, max int) (int, error) {
	for p := min; p <= max; p++ {
		if _, ok := used[p]; !ok {
			return p, nil
		}
	}
	return 0, services.CapacityError{Msg: fmt.Sprintf("No free ports remain in range %d-%d", min, max)}
}

// Release returns a session's network identity. Safe to call for sessions that hold
// no reservation; teardown paths can race and the loser must see a no-op.
func (a *Allocator) Release(sc ot.SpanContext, sessionID string) {
	span := ot.StartSpan("network_release", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", sessionID)

	a.mu.Lock()
	defer a.mu.Unlock()

	res, ok := a.reservations[sessionID]
	if !ok {
		return
	}
	delete(a.reservations, sessionID)

	switch res.Mode {
	case models.NetworkModeIsolated:
		// Addresses are computed, not drawn from a tracked pool; dropping the
		// collision-guard entry is all there is to do.
		delete(a.usedIPs, res.IP)
		log.Debugf("Released isolated address %s from session %s", res.IP, sessionID)
	case models.NetworkModeNAT:
		delete(a.usedSSH, res.SSHPort)
		delete(a.usedWeb, res.WebPort)
		log.Debugf("Released NAT ports %d/%d from session %s", res.SSHPort, res.WebPort, sessionID)
	}
}

// Get returns the reservation currently held by a session, if any.
func (a *Allocator) Get(sessionID string) (*Reservation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.reservations[sessionID]
	return res, ok
}

// ActiveCount returns the number of reservations currently held.
func (a *Allocator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reservations)
}
