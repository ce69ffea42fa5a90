package config

import (
	"encoding/json"
	"errors"
	"io/ioutil"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// RangelabConfig holds all configuration for the rangelab services. Loaded once at
// startup and passed by value to each service.
type RangelabConfig struct {
	InstanceID string `yaml:"instanceId"`

	Tier    string `yaml:"tier"`
	Domain  string `yaml:"domain"`
	NATSUrl string `yaml:"natsUrl"`

	// Session policy
	SessionTTL            int `yaml:"sessionTTL"`            // minutes
	ExtensionTime         int `yaml:"extensionTime"`         // minutes
	MaxExtensions         int `yaml:"maxExtensions"`         //
	InactivityTimeout     int `yaml:"inactivityTimeout"`     // minutes
	CleanupInterval       int `yaml:"cleanupInterval"`       // minutes
	MaxConcurrentSessions int `yaml:"maxConcurrentSessions"` //

	// Filesystem layout
	LabDir      string `yaml:"labDir"`
	TemplateDir string `yaml:"templateDir"`
	OverlayDir  string `yaml:"overlayDir"`

	// Server-side secret mixed into per-session flag derivation. No default - operators
	// must set this, and it must be kept out of lab definitions.
	ServerSecret string `yaml:"serverSecret"`

	Network struct {
		IsolatedSubnet string `yaml:"isolatedSubnet"`
		SSHPortMin     int    `yaml:"sshPortMin"`
		SSHPortMax     int    `yaml:"sshPortMax"`
		WebPortMin     int    `yaml:"webPortMin"`
		WebPortMax     int    `yaml:"webPortMax"`
	} `yaml:"network"`

	Hypervisor struct {
		URI         string `yaml:"uri"`
		MgmtNetwork string `yaml:"mgmtNetwork"`
		BootTimeout int    `yaml:"bootTimeout"` // seconds
	} `yaml:"hypervisor"`

	Injection struct {
		MaxAttempts  int `yaml:"maxAttempts"`
		RetryDelay   int `yaml:"retryDelay"`   // seconds
		TotalTimeout int `yaml:"totalTimeout"` // seconds
	} `yaml:"injection"`

	Stats struct {
		URL      string `yaml:"url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"stats"`

	EnabledServices []string `yaml:"enabledServices"`
}

// LoadConfig loads a RangelabConfig from the YAML file at the given location,
// applying defaults for any field not present.
func LoadConfig(configFile string) (RangelabConfig, error) {

	// Set a new config with defaults set where relevant
	config := RangelabConfig{
		Tier:                  "prod",
		Domain:                "localhost",
		NATSUrl:               "nats://localhost:4222",
		SessionTTL:            120,
		ExtensionTime:         60,
		MaxExtensions:         2,
		InactivityTimeout:     60,
		CleanupInterval:       5,
		MaxConcurrentSessions: 20,
		TemplateDir:           "/var/lib/rangelab/templates",
		OverlayDir:            "/var/lib/rangelab/overlays",
		EnabledServices: []string{
			"orchestrator",
			"stats",
		},
	}
	config.Network.IsolatedSubnet = "10.66.0.0/24"
	config.Network.SSHPortMin = 42000
	config.Network.SSHPortMax = 42999
	config.Network.WebPortMin = 43000
	config.Network.WebPortMax = 43999
	config.Hypervisor.URI = "qemu:///system"
	config.Hypervisor.MgmtNetwork = "rangelab-mgmt"
	config.Hypervisor.BootTimeout = 300
	config.Injection.MaxAttempts = 30
	config.Injection.RetryDelay = 10
	config.Injection.TotalTimeout = 420

	yamlDef, err := ioutil.ReadFile(configFile)
	if err != nil {
		return RangelabConfig{}, err
	}
	err = yaml.Unmarshal([]byte(yamlDef), &config)
	if err != nil {
		log.Errorf("Failed to import %s: %v", configFile, err)
		return RangelabConfig{}, err
	}

	if config.InstanceID == "" {
		return RangelabConfig{}, errors.New("InstanceID has no default and must be provided")
	}
	if config.LabDir == "" {
		return RangelabConfig{}, errors.New("LabDir has no default and must be provided")
	}
	if config.ServerSecret == "" {
		return RangelabConfig{}, errors.New("ServerSecret has no default and must be provided")
	}

	log.Debugf("Rangelab config: %s", config.JSON())

	return config, nil

}

func (c *RangelabConfig) JSON() string {
	configJSON, _ := json.Marshal(c)
	return string(configJSON)
}

// IsServiceEnabled checks the config for a given service name, and if included,
// returns true. Otherwise, returns false.
func (c *RangelabConfig) IsServiceEnabled(serviceName string) bool {
	for _, name := range c.EnabledServices {
		if name == serviceName {
			return true
		}
	}
	return false
}
