// Package registry maps connector type names ("source-github",
// "destination-postgres", ...) to factories. Connector packages register
// themselves from init(), so importing a connector package is enough to
// make it available to the CLI.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/logger"
)

// Registry manages connector registration and instantiation
type Registry struct {
	sources      map[string]SourceFactory
	destinations map[string]DestinationFactory
	mu           sync.RWMutex
}

// SourceFactory creates a source connector from the root configuration.
// Each factory reads the section it owns.
type SourceFactory func(cfg *config.Config) (core.Source, error)

// DestinationFactory creates a destination connector from the root configuration.
type DestinationFactory func(cfg *config.Config) (core.Destination, error)

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		sources:      make(map[string]SourceFactory),
		destinations: make(map[string]DestinationFactory),
	}
}

func (r *Registry) log() *zap.Logger {
	return logger.Get().With(zap.String("component", "connector_registry"))
}

// RegisterSource registers a source connector factory
func (r *Registry) RegisterSource(name string, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "source connector %s already registered", name)
	}

	r.sources[name] = factory
	r.log().Debug("source connector registered", zap.String("name", name))
	return nil
}

// RegisterDestination registers a destination connector factory
func (r *Registry) RegisterDestination(name string, factory DestinationFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.destinations[name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "destination connector %s already registered", name)
	}

	r.destinations[name] = factory
	r.log().Debug("destination connector registered", zap.String("name", name))
	return nil
}

// CreateSource creates a source connector instance
func (r *Registry) CreateSource(name string, cfg *config.Config) (core.Source, error) {
	r.mu.RLock()
	factory, exists := r.sources[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "source connector %s not found", name).
			WithDetail("available", r.ListSources())
	}

	source, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create source connector "+name)
	}

	return source, nil
}

// CreateDestination creates a destination connector instance
func (r *Registry) CreateDestination(name string, cfg *config.Config) (core.Destination, error) {
	r.mu.RLock()
	factory, exists := r.destinations[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "destination connector %s not found", name).
			WithDetail("available", r.ListDestinations())
	}

	destination, err := factory(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create destination connector "+name)
	}

	return destination, nil
}

// ListSources returns the registered source connectors, sorted
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]string, 0, len(r.sources))
	for name := range r.sources {
		sources = append(sources, name)
	}
	sort.Strings(sources)
	return sources
}

// ListDestinations returns the registered destination connectors, sorted
func (r *Registry) ListDestinations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	destinations := make([]string, 0, len(r.destinations))
	for name := range r.destinations {
		destinations = append(destinations, name)
	}
	sort.Strings(destinations)
	return destinations
}

// HasSource checks if a source connector is registered
func (r *Registry) HasSource(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sources[name]
	return exists
}

// HasDestination checks if a destination connector is registered
func (r *Registry) HasDestination(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.destinations[name]
	return exists
}

// Clear removes all registered connectors (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sources = make(map[string]SourceFactory)
	r.destinations = make(map[string]DestinationFactory)
}

// RegisterSource registers a source connector in the global registry
func RegisterSource(name string, factory SourceFactory) error {
	return globalRegistry.RegisterSource(name, factory)
}

// RegisterDestination registers a destination connector in the global registry
func RegisterDestination(name string, factory DestinationFactory) error {
	return globalRegistry.RegisterDestination(name, factory)
}

// CreateSource creates a source connector from the global registry
func CreateSource(name string, cfg *config.Config) (core.Source, error) {
	return globalRegistry.CreateSource(name, cfg)
}

// CreateDestination creates a destination connector from the global registry
func CreateDestination(name string, cfg *config.Config) (core.Destination, error) {
	return globalRegistry.CreateDestination(name, cfg)
}

// ListSources returns registered sources from the global registry
func ListSources() []string {
	return globalRegistry.ListSources()
}

// ListDestinations returns registered destinations from the global registry
func ListDestinations() []string {
	return globalRegistry.ListDestinations()
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}

// ConnectorInfo provides information about a connector
type ConnectorInfo struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Description  string   `json:"description"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// ConnectorCatalog manages connector metadata
type ConnectorCatalog struct {
	connectors map[string]*ConnectorInfo
	mu         sync.RWMutex
}

// NewConnectorCatalog creates a new connector catalog
func NewConnectorCatalog() *ConnectorCatalog {
	return &ConnectorCatalog{
		connectors: make(map[string]*ConnectorInfo),
	}
}

// Register adds a connector to the catalog
func (c *ConnectorCatalog) Register(info *ConnectorInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.connectors[info.Name]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "connector %s already in catalog", info.Name)
	}

	c.connectors[info.Name] = info
	return nil
}

// Get retrieves connector information
func (c *ConnectorCatalog) Get(name string) (*ConnectorInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, exists := c.connectors[name]
	if !exists {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connector %s not found in catalog", name)
	}

	return info, nil
}

// List returns all connectors in the catalog sorted by name
func (c *ConnectorCatalog) List() []*ConnectorInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]*ConnectorInfo, 0, len(c.connectors))
	for _, info := range c.connectors {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Global catalog instance
var globalCatalog = NewConnectorCatalog()

// RegisterConnectorInfo registers connector information in the global catalog
func RegisterConnectorInfo(info *ConnectorInfo) error {
	return globalCatalog.Register(info)
}

// GetConnectorInfo retrieves connector information from the global catalog
func GetConnectorInfo(name string) (*ConnectorInfo, error) {
	return globalCatalog.Get(name)
}

// ListConnectorInfo lists all connectors in the global catalog
func ListConnectorInfo() []*ConnectorInfo {
	return globalCatalog.List()
}
