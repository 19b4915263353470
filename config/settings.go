package config

import "strconv"

// Configuration keys understood by the engine.
const (
	KeyDataDir      = "data_dir"      // Root directory for databases and prompts
	KeyDBFile       = "db_file"       // SQLite filename inside data_dir
	KeyOllamaHost   = "ollama_host"   // Base URL of the Ollama server
	KeyChatModel    = "chat_model"    // Model for explanations and studio mode
	KeyWhisperModel = "whisper_model" // Transcription model size
	KeyLanguage     = "language"      // Response language for AI output
	KeyWorkers      = "workers"       // Concurrent transcription jobs
	KeyEventQueue   = "event_queue"   // Per-subscriber event queue bound
)

// Defaults returns the built-in default for every key.
func Defaults() map[string]string {
	return map[string]string{
		KeyDataDir:      "",
		KeyDBFile:       "verba.db",
		KeyOllamaHost:   "http://localhost:11434",
		KeyChatModel:    "llama3",
		KeyWhisperModel: "base",
		KeyLanguage:     "English",
		KeyWorkers:      "2",
		KeyEventQueue:   "256",
	}
}

// NewEngineResolver creates a resolver wired with the engine's env prefix,
// config file locations, and defaults.
func NewEngineResolver() *Resolver {
	keys := []string{
		KeyDataDir, KeyDBFile, KeyOllamaHost, KeyChatModel,
		KeyWhisperModel, KeyLanguage, KeyWorkers, KeyEventQueue,
	}
	return NewResolver(ResolverConfig{
		EnvPrefix:       "VERBA_",
		GlobalConfigDir: "verba",
		LocalConfigName: ".verba.yaml",
		Defaults:        Defaults(),
		ValidGlobalKeys: keys,
		ValidLocalKeys:  keys,
	})
}

// Settings is the typed view of a resolved configuration.
type Settings struct {
	DataDir      string
	DBFile       string
	OllamaHost   string
	ChatModel    string
	WhisperModel string
	Language     string
	Workers      int
	EventQueue   int
}

// SettingsFrom extracts typed settings from a resolved configuration.
// Unparseable numeric values fall back to their defaults.
func SettingsFrom(resolved *Resolved) Settings {
	return Settings{
		DataDir:      resolved.Get(KeyDataDir),
		DBFile:       resolved.Get(KeyDBFile),
		OllamaHost:   resolved.Get(KeyOllamaHost),
		ChatModel:    resolved.Get(KeyChatModel),
		WhisperModel: resolved.Get(KeyWhisperModel),
		Language:     resolved.Get(KeyLanguage),
		Workers:      intOr(resolved.Get(KeyWorkers), 2),
		EventQueue:   intOr(resolved.Get(KeyEventQueue), 256),
	}
}

func intOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
