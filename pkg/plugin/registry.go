package plugin

import (
	"strings"
	"sync"

	"companion/pkg/api"
	"companion/pkg/config"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Env carries the shared resources a factory may wire into the plugin it
// builds. Conversation is nil until the host attached one.
type Env struct {
	System       *config.SystemConfig
	Configs      map[string]jsoniter.RawMessage
	Conversation api.Conversation
	Dispatcher   *Dispatcher
}

// Factory builds a plugin from its raw JSON config entry. Adding a new
// capability only needs a new factory registered in init().
type Factory interface {
	Create(rawConfig jsoniter.RawMessage, env Env) (api.Plugin, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(rawConfig jsoniter.RawMessage, env Env) (api.Plugin, error)

func (f FactoryFunc) Create(rawConfig jsoniter.RawMessage, env Env) (api.Plugin, error) {
	return f(rawConfig, env)
}

var (
	factoryMu       sync.RWMutex
	factoryRegistry = make(map[string]Factory)
)

// Normalize folds a plugin name to its registry key.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterFactory adds a factory under the case-insensitive name.
// Typically called from a plugin package's init().
func RegisterFactory(name string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factoryRegistry[Normalize(name)] = factory
}

// GetFactory looks a factory up by case-insensitive name.
func GetFactory(name string) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factoryRegistry[Normalize(name)]
	return f, ok
}

// DecodeConfig unmarshals a plugin's raw config entry into v. An empty entry
// leaves v untouched.
func DecodeConfig(raw jsoniter.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
