// Package autoload registers every built-in LLM provider.
package autoload

import (
	_ "companion/pkg/llm/gemini"
	_ "companion/pkg/llm/ollama"
	_ "companion/pkg/llm/openailm"
)
