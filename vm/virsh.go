package vm

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// VirshHypervisor drives a single libvirt host through the virsh and qemu-img
// command-line tools. No libvirt client library is linked; the control plane is an
// external black box and this keeps the dependency surface to two binaries that are
// present on any KVM host.
type VirshHypervisor struct {
	URI string
}

func NewVirshHypervisor(uri string) *VirshHypervisor {
	return &VirshHypervisor{URI: uri}
}

func (v *VirshHypervisor) virsh(args ...string) (string, error) {
	full := append([]string{"-c", v.URI}, args...)
	out, err := exec.Command("virsh", full...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("virsh %s: %v - %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// CreateOverlay creates a qcow2 copy-on-write overlay backed by the base image.
func (v *VirshHypervisor) CreateOverlay(base, overlayPath string) (string, error) {
	out, err := exec.Command("qemu-img", "create",
		"-f", "qcow2", "-F", "qcow2", "-b", base, overlayPath).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("qemu-img create: %v - %s", err, strings.TrimSpace(string(out)))
	}
	log.Debugf("Created overlay %s on base %s", overlayPath, base)
	return overlayPath, nil
}

const domainXMLTemplate = `<domain type='kvm'>
  <name>%s</name>
  <memory unit='MiB'>%d</memory>
  <vcpu>%d</vcpu>
  <os><type arch='x86_64'>hvm</type></os>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='%s'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <interface type='network'>
      <source network='%s'/>
      <mac address='%s'/>
      <model type='virtio'/>
    </interface>
    <graphics type='none'/>
  </devices>
</domain>
`

// DefineAndStart renders a domain definition for the spec, defines it, and boots it.
// The instance name doubles as the returned instance ID.
func (v *VirshHypervisor) DefineAndStart(spec InstanceSpec) (string, error) {

	xml := fmt.Sprintf(domainXMLTemplate,
		spec.Name, spec.RAMMB, spec.VCPUs, spec.OverlayPath, spec.Network, spec.MAC)

	f, err := ioutil.TempFile("", "rangelab-domain-*.xml")
	if err != nil {
		return "", err
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(xml); err != nil {
		f.Close()
		return "", err
	}
	f.Close()

	if _, err := v.virsh("define", f.Name()); err != nil {
		return "", err
	}
	if _, err := v.virsh("start", spec.Name); err != nil {
		// Don't leave a defined-but-dead domain behind
		if _, uerr := v.virsh("undefine", spec.Name); uerr != nil {
			log.Warnf("Couldn't undefine %s after failed start: %v", spec.Name, uerr)
		}
		return "", err
	}

	log.Infof("Defined and started instance %s (mac %s)", spec.Name, spec.MAC)
	return spec.Name, nil
}

// GetState maps virsh domstate output onto InstanceState.
func (v *VirshHypervisor) GetState(instanceID string) (InstanceState, error) {
	out, err := v.virsh("domstate", instanceID)
	if err != nil {
		if strings.Contains(out, "not found") || strings.Contains(err.Error(), "not found") {
			return StateDeleted, nil
		}
		return StateFailed, err
	}

	switch strings.TrimSpace(out) {
	case "running":
		return StateRunning, nil
	case "shut off", "shutdown":
		return StateStopped, nil
	case "paused", "pmsuspended":
		return StateStopped, nil
	case "crashed":
		return StateFailed, nil
	default:
		return StateProvisioning, nil
	}
}

// Destroy hard-stops the instance. An already-stopped domain is not an error.
func (v *VirshHypervisor) Destroy(instanceID string) error {
	out, err := v.virsh("destroy", instanceID)
	if err != nil && !strings.Contains(out, "not running") {
		return err
	}
	return nil
}

// Undefine removes the domain definition.
func (v *VirshHypervisor) Undefine(instanceID string) error {
	_, err := v.virsh("undefine", instanceID)
	return err
}

// ResolveLease reads the DHCP lease table for the named network and returns the
// address leased to the given MAC.
//
// Expected virsh net-dhcp-leases table rows look like:
//   2026-01-02 15:04:05   52:54:00:aa:bb:cc   ipv4   10.66.0.23/24   rusty-gate   -
func (v *VirshHypervisor) ResolveLease(network, mac string) (string, error) {
	out, err := v.virsh("net-dhcp-leases", network)
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(strings.ToLower(line), strings.ToLower(mac)) {
			continue
		}
		for _, field := range strings.Fields(line) {
			if strings.Contains(field, "/") {
				return strings.Split(field, "/")[0], nil
			}
		}
	}

	return "", fmt.Errorf("No lease found for %s on network %s", mac, network)
}

var _ Hypervisor = &VirshHypervisor{}
