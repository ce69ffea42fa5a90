package db

import (
	"encoding/json"

	jsonschema "github.com/alecthomas/jsonschema"
	gojsonschema "github.com/xeipuuv/gojsonschema"
)

// FlagMode controls how a flag's value is sourced for a given session.
type FlagMode string

const (
	// FlagModeGenerated flags are derived per-session and must be delivered into the VM.
	FlagModeGenerated FlagMode = "generated"

	// FlagModeStatic flags are baked into the template image; delivery is a no-op.
	FlagModeStatic FlagMode = "static"
)

// Lab is an immutable challenge definition: a base VM image plus the metadata needed
// to provision per-session instances of it and score flag submissions against it.
type Lab struct {
	Slug        string `json:"Slug" yaml:"slug" jsonschema:"required,description=Unique identifier for this lab"`
	Name        string `json:"Name" yaml:"name" jsonschema:"required"`
	Description string `json:"Description,omitempty" yaml:"description,omitempty"`
	Category    string `json:"Category,omitempty" yaml:"category,omitempty"`
	Difficulty  string `json:"Difficulty,omitempty" yaml:"difficulty,omitempty"`

	// Path to the qcow2 base image this lab boots from. Imported once into the managed
	// template store; sessions only ever get copy-on-write overlays on top of it.
	BaseImage string `json:"BaseImage" yaml:"baseImage" jsonschema:"required"`

	VM          *LabVMConfig        `json:"VM" yaml:"vm" jsonschema:"required"`
	Credentials *LabCredentials     `json:"Credentials" yaml:"credentials" jsonschema:"required"`
	Flags       map[string]*LabFlag `json:"Flags" yaml:"flags" jsonschema:"required"`

	// Populated at import time for internal use
	LabFile string `json:"LabFile,omitempty" yaml:"labFile,omitempty"`
	LabDir  string `json:"LabDir,omitempty" yaml:"labDir,omitempty"`
}

// NetworkMode selects how a session's instance is exposed to its user.
type NetworkMode string

const (
	// NetworkModeIsolated gives each session a unique private address, reachable
	// only over the user's VPN tunnel. No port remapping.
	NetworkModeIsolated NetworkMode = "isolated"

	// NetworkModeNAT exposes the instance's SSH and web services on forwarded
	// host ports.
	NetworkModeNAT NetworkMode = "nat"
)

// LabVMConfig describes the virtual hardware for the lab's instances.
type LabVMConfig struct {
	RAMMB       int         `json:"RAMMB" yaml:"ramMb" jsonschema:"required"`
	VCPUs       int         `json:"VCPUs" yaml:"vcpus" jsonschema:"required"`
	NetworkMode NetworkMode `json:"NetworkMode" yaml:"networkMode" jsonschema:"required"`
}

// LabCredentials are the guest credentials the injector uses to open a shell into
// freshly booted instances. These are lab-author-controlled and typically low-privilege,
// which is why the injector escalates with a fallback rather than assuming root.
type LabCredentials struct {
	Username string `json:"Username" yaml:"username" jsonschema:"required"`
	Password string `json:"Password" yaml:"password" jsonschema:"required"`
}

// LabFlag configures one scoreable secret for a lab.
type LabFlag struct {
	Points int `json:"Points" yaml:"points" jsonschema:"required"`

	// Candidate filesystem locations for delivery, in priority order. The first
	// successful write wins. Required for generated flags, ignored for static ones.
	Locations []string `json:"Locations,omitempty" yaml:"locations,omitempty"`

	Mode FlagMode `json:"Mode" yaml:"mode" jsonschema:"required"`

	// Fixed value for static-mode flags (already present in the base image).
	StaticValue string `json:"StaticValue,omitempty" yaml:"staticValue,omitempty"`

	// Privileged marks targets whose delivery should be attempted with elevation
	// first (e.g. /root/root.txt).
	Privileged bool `json:"Privileged,omitempty" yaml:"privileged,omitempty"`
}

func (l *Lab) JSON() string {
	b, err := json.Marshal(l)
	if err != nil {
		panic(err)
	}

	return string(b)
}

// GetSchema returns a Schema for this resource, to be used in validation and
// authoring tools
func (l Lab) GetSchema() *jsonschema.Schema {
	return jsonschema.Reflect(l)
}

// JSValidate uses an object's built-in json schema to make sure it conforms to
// expectations. As with the rest of the curriculum-style resources, schema
// validation runs first, and semantic checks that can't be expressed in a schema
// are handled by the ingestor afterwards.
func (l Lab) JSValidate() bool {

	schemaReflect := l.GetSchema()
	b, _ := json.Marshal(schemaReflect)

	schemaLoader := gojsonschema.NewStringLoader(string(b))
	docLoader := gojsonschema.NewStringLoader(l.JSON())

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return false
	}

	return result.Valid()
}
