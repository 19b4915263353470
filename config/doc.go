// Package config provides hierarchical configuration resolution.
//
// This package supports layered configuration with clear precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables
//  3. Local config (.verba.yaml, found by walking up from the working dir)
//  4. Global config (~/.config/verba/config.yaml)
//  5. Built-in defaults (lowest priority)
//
// # Basic Usage
//
// Create a resolver wired for the engine:
//
//	resolver := config.NewEngineResolver()
//	settings := config.SettingsFrom(resolver.Resolve())
//	fmt.Println(settings.OllamaHost) // "http://localhost:11434"
//
// # Environment Variables
//
// Environment variables are detected using the VERBA_ prefix:
//
//	VERBA_OLLAMA_HOST=http://gpu-box:11434  # sets "ollama_host"
//	VERBA_CHAT_MODEL=qwen3                  # sets "chat_model"
//
// # Config Sources
//
// Each resolved value tracks where it came from:
//   - "default": Built-in default value
//   - "global": ~/.config/verba/config.yaml
//   - "local": .verba.yaml in the workspace root
//   - "env": Environment variable
//   - "flag": Command-line flag (set via ResolveWithFlags)
package config
