package whisper

// Model is a supported speech-to-text model size. The set is closed: the
// orchestrator rejects anything outside it before a job is queued.
type Model string

// Supported model sizes.
const (
	ModelTiny   Model = "tiny"
	ModelBase   Model = "base"
	ModelSmall  Model = "small"
	ModelMedium Model = "medium"
	ModelLarge  Model = "large"
)

// modelMemoryMB maps each model to the approximate resident memory it needs
// to load, used to classify load failures as resource exhaustion.
var modelMemoryMB = map[Model]int{
	ModelTiny:   400,
	ModelBase:   500,
	ModelSmall:  1000,
	ModelMedium: 2600,
	ModelLarge:  4700,
}

// Valid reports whether m is in the supported catalog.
func (m Model) Valid() bool {
	_, ok := modelMemoryMB[m]
	return ok
}

// MemoryMB returns the approximate memory the model needs to load, or zero
// for an unknown model.
func (m Model) MemoryMB() int {
	return modelMemoryMB[m]
}

// Models returns the catalog in ascending resource cost.
func Models() []Model {
	return []Model{ModelTiny, ModelBase, ModelSmall, ModelMedium, ModelLarge}
}

// ClassifyLoadError distinguishes a model that cannot fit in the available
// memory (resource exhaustion) from a genuine engine failure. availableMB
// of zero means unknown and always classifies as engine failure.
func ClassifyLoadError(m Model, availableMB int, cause error) error {
	if !m.Valid() {
		return &EngineError{Op: "load", Detail: "unknown model " + string(m), Err: ErrUnknownModel}
	}
	if availableMB > 0 && m.MemoryMB() > availableMB {
		return &EngineError{Op: "load", Detail: string(m), Err: ErrResourceExhausted}
	}
	return &EngineError{Op: "load", Detail: string(m), Err: wrapEngineFailure(cause)}
}
