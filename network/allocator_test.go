package network

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/rangelab-io/rangelab-core/config"
	models "github.com/rangelab-io/rangelab-core/db/models"
	"github.com/rangelab-io/rangelab-core/services"
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

func testConfig() config.RangelabConfig {
	cfg := config.RangelabConfig{}
	cfg.Network.IsolatedSubnet = "10.66.0.0/24"
	cfg.Network.SSHPortMin = 42000
	cfg.Network.SSHPortMax = 42004
	cfg.Network.WebPortMin = 43000
	cfg.Network.WebPortMax = 43004
	return cfg
}

func TestIsolatedDeterministic(t *testing.T) {
	a, err := NewAllocator(testConfig())
	ok(t, err)

	ip1 := a.IsolatedIPFor("session-abc")
	ip2 := a.IsolatedIPFor("session-abc")
	assert(t, ip1 == ip2, "expected identical derivation, got %s / %s", ip1, ip2)
	assert(t, strings.HasPrefix(ip1, "10.66.0."), "address %s outside subnet", ip1)
}

func TestIsolatedPoolRange(t *testing.T) {
	a, err := NewAllocator(testConfig())
	ok(t, err)

	// Every derived address lands in host offsets 2..191: 0 and 1 are the
	// network and gateway, and the top of the /24 stays free for management.
	for i := 0; i < 1000; i++ {
		ip := a.IsolatedIPFor(fmt.Sprintf("session-%d", i))
		parts := strings.Split(ip, ".")
		offset, err := strconv.Atoi(parts[3])
		ok(t, err)
		assert(t, offset >= 2 && offset <= 191, "address %s outside pool offsets 2..191", ip)
	}
}

func TestIsolatedSpread(t *testing.T) {
	a, err := NewAllocator(testConfig())
	ok(t, err)

	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		seen[a.IsolatedIPFor(fmt.Sprintf("session-%d", i))] = true
	}

	// With 1000 distinct IDs over a 190-address pool, a healthy hash should touch
	// most of it. A degenerate mapping would collapse to a handful of values.
	assert(t, len(seen) > 150, "expected wide spread across pool, got %d distinct addresses", len(seen))
}

func TestIsolatedCollisionRefused(t *testing.T) {
	a, err := NewAllocator(testConfig())
	ok(t, err)

	// Find two session IDs that hash to the same address
	base := a.IsolatedIPFor("session-0")
	collider := ""
	for i := 1; i < 100000; i++ {
		id := fmt.Sprintf("session-%d", i)
		if a.IsolatedIPFor(id) == base {
			collider = id
			break
		}
	}
	assert(t, collider != "", "couldn't find a colliding session ID")

	_, err = a.Reserve(nil, "session-0", models.NetworkModeIsolated)
	ok(t, err)

	_, err = a.Reserve(nil, collider, models.NetworkModeIsolated)
	assert(t, services.IsCapacityError(err), "expected CapacityError for address collision, got %v", err)

	// Releasing the holder frees the address for the collider
	a.Release(nil, "session-0")
	_, err = a.Reserve(nil, collider, models.NetworkModeIsolated)
	ok(t, err)
}

func TestNATPairUniqueness(t *testing.T) {
	a, err := NewAllocator(testConfig())
	ok(t, err)

	seenSSH := map[int]bool{}
	seenWeb := map[int]bool{}
	for i := 0; i < 5; i++ {
		res, err := a.Reserve(nil, fmt.Sprintf("session-%d", i), models.NetworkModeNAT)
		ok(t, err)
		assert(t, !seenSSH[res.SSHPort], "ssh port %d assigned twice", res.SSHPort)
		assert(t, !seenWeb[res.WebPort], "web port %d assigned twice", res.WebPort)
		seenSSH[res.SSHPort] = true
		seenWeb[res.WebPort] = true
	}

	// Pool of 5 is now exhausted
	_, err = a.Reserve(nil, "session-5", models.NetworkModeNAT)
	assert(t, services.IsCapacityError(err), "expected CapacityError on exhausted pool, got %v", err)

	// Releasing one session makes its ports immediately reusable
	a.Release(nil, "session-2")
	res, err := a.Reserve(nil, "session-5", models.NetworkModeNAT)
	ok(t, err)
	assert(t, res.SSHPort >= 42000 && res.SSHPort <= 42004, "reused port out of range")
}

func TestReleaseIdempotent(t *testing.T) {
	a, err := NewAllocator(testConfig())
	ok(t, err)

	_, err = a.Reserve(nil, "session-0", models.NetworkModeNAT)
	ok(t, err)

	a.Release(nil, "session-0")
	a.Release(nil, "session-0") // second release is a no-op

	equalsCount := a.ActiveCount()
	assert(t, equalsCount == 0, "expected no active reservations, got %d", equalsCount)
}

func TestDoubleReserveRefused(t *testing.T) {
	a, err := NewAllocator(testConfig())
	ok(t, err)

	_, err = a.Reserve(nil, "session-0", models.NetworkModeIsolated)
	ok(t, err)
	_, err = a.Reserve(nil, "session-0", models.NetworkModeIsolated)
	assert(t, err != nil, "expected error on double reserve")
}
