package vm

import (
	models "github.com/rangelab-io/rangelab-core/db/models"
)

// InstanceState is the lifecycle state of a per-session VM instance.
type InstanceState string

const (
	StateProvisioning InstanceState = "PROVISIONING"
	StateRunning      InstanceState = "RUNNING"
	StateStopped      InstanceState = "STOPPED"
	StateDeleted      InstanceState = "DELETED"
	StateFailed       InstanceState = "FAILED"
)

// InstanceSpec is everything the hypervisor needs to define and boot one instance.
type InstanceSpec struct {
	Name        string
	OverlayPath string
	RAMMB       int
	VCPUs       int
	MAC         string

	// Hypervisor network the instance's management NIC attaches to. DHCP leases
	// for address resolution are read from this network.
	Network string

	Mode models.NetworkMode
}

// Hypervisor is the control-plane boundary. The production implementation drives a
// local libvirt host through virsh/qemu-img; tests substitute a fake. Everything the
// manager does goes through this interface so the substrate stays swappable.
type Hypervisor interface {

	// CreateOverlay creates a copy-on-write disk at overlayPath backed by the
	// immutable base image, and returns the overlay path.
	CreateOverlay(base, overlayPath string) (string, error)

	// DefineAndStart defines a new instance from the spec and boots it, returning
	// an opaque instance identifier for subsequent calls.
	DefineAndStart(spec InstanceSpec) (string, error)

	// GetState queries the live state of an instance.
	GetState(instanceID string) (InstanceState, error)

	// Destroy hard-stops a running instance. Not an error if already stopped.
	Destroy(instanceID string) error

	// Undefine removes the instance definition from the hypervisor.
	Undefine(instanceID string) error

	// ResolveLease looks up the DHCP lease for the given MAC on the named
	// hypervisor network, returning the leased IP address.
	ResolveLease(network, mac string) (string, error)
}
