// Package autoload registers every built-in plugin factory.
package autoload

import (
	_ "companion/pkg/plugins/clock"
	_ "companion/pkg/plugins/llamaserver"
	_ "companion/pkg/plugins/osinfo"
	_ "companion/pkg/plugins/scheduler"
	_ "companion/pkg/plugins/telegram"
	_ "companion/pkg/plugins/toolreference"
	_ "companion/pkg/plugins/weather"
	_ "companion/pkg/plugins/web"
)
