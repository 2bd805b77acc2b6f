package toolreference

import (
	jsoniter "github.com/json-iterator/go"

	"companion/pkg/api"
	"companion/pkg/plugin"
)

// Factory 負責建立工具說明插件
type Factory struct{}

// Create 實作 plugin.Factory
func (f *Factory) Create(_ jsoniter.RawMessage, env plugin.Env) (api.Plugin, error) {
	var catalog api.ToolCatalog
	if env.Dispatcher != nil {
		catalog = env.Dispatcher
	}
	return New(catalog), nil
}

func init() {
	plugin.RegisterFactory("toolReference", &Factory{})
}
