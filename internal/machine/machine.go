// Package machine holds the catalog of remote compute instances the bridge
// can reach. Each entry maps a machine id to an address and a credential;
// credentials are configuration inputs and are never logged.
package machine

import (
	"fmt"
	"os"
	"sync"
)

// Kind selects how a machine is provisioned and authenticated.
type Kind string

const (
	// KindStatic is a directly reachable host authenticated with a
	// private key.
	KindStatic Kind = "static"
	// KindFleet is a managed compute instance authenticated with an
	// instance id / API key pair.
	KindFleet Kind = "fleet"
)

// Machine describes one remote compute instance.
type Machine struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"user"`

	// Static auth
	PrivateKeyPath string `json:"private_key_path,omitempty"`

	// Fleet auth
	InstanceID string `json:"instance_id,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
}

// Addr returns the host:port dial address, defaulting the port to 22.
func (m *Machine) Addr() string {
	port := m.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", m.Host, port)
}

// PrivateKeyPEM loads the configured private key. Only valid for static
// machines.
func (m *Machine) PrivateKeyPEM() ([]byte, error) {
	if m.PrivateKeyPath == "" {
		return nil, fmt.Errorf("machine %s has no private key configured", m.ID)
	}
	data, err := os.ReadFile(m.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key for machine %s: %w", m.ID, err)
	}
	return data, nil
}

// Validate checks the entry for the fields its kind requires.
func (m *Machine) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("machine id is required")
	}
	if m.Host == "" {
		return fmt.Errorf("machine %s: host is required", m.ID)
	}
	switch m.Kind {
	case KindStatic:
		if m.PrivateKeyPath == "" {
			return fmt.Errorf("machine %s: static machines require private_key_path", m.ID)
		}
	case KindFleet:
		if m.InstanceID == "" || m.APIKey == "" {
			return fmt.Errorf("machine %s: fleet machines require instance_id and api_key", m.ID)
		}
	default:
		return fmt.Errorf("machine %s: unknown kind %q", m.ID, m.Kind)
	}
	return nil
}

// Catalog is a read-mostly registry of machines keyed by id.
type Catalog struct {
	mu       sync.RWMutex
	machines map[string]*Machine
}

// NewCatalog builds a catalog from configured entries. Every entry is
// validated; the first invalid one fails the whole load so a typo cannot
// silently drop a machine.
func NewCatalog(entries []*Machine) (*Catalog, error) {
	machines := make(map[string]*Machine, len(entries))
	for _, m := range entries {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := machines[m.ID]; dup {
			return nil, fmt.Errorf("duplicate machine id %q", m.ID)
		}
		machines[m.ID] = m
	}
	return &Catalog{machines: machines}, nil
}

// Resolve returns the machine for id.
func (c *Catalog) Resolve(id string) (*Machine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.machines[id]
	if !ok {
		return nil, fmt.Errorf("machine %q not found", id)
	}
	return m, nil
}

// IDs returns all known machine ids.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.machines))
	for id := range c.machines {
		ids = append(ids, id)
	}
	return ids
}
