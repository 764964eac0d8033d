package pipeline

// DefaultMaxDepth is the platform's nested-call limit. A plugin that keeps
// triggering itself through the organization service fails at this depth.
const DefaultMaxDepth = 8

// Options are the pipeline feature switches. They are installed once when
// the host context is built and are read-only afterwards.
type Options struct {
	// UsePipelineSimulation is the master switch. When false every request
	// goes straight to the next handler.
	UsePipelineSimulation bool `koanf:"use_pipeline_simulation" yaml:"use_pipeline_simulation"`

	// UsePluginStepAudit enables audit record collection.
	UsePluginStepAudit bool `koanf:"use_plugin_step_audit" yaml:"use_plugin_step_audit"`

	// UsePluginStepRegistrationValidation checks registrations against the
	// registration rules before they are accepted.
	UsePluginStepRegistrationValidation bool `koanf:"use_plugin_step_registration_validation" yaml:"use_plugin_step_registration_validation"`

	// PersistPluginStepAudit writes audit records to the backing store
	// instead of memory. Ignored unless UsePluginStepAudit is set.
	PersistPluginStepAudit bool `koanf:"persist_plugin_step_audit" yaml:"persist_plugin_step_audit"`

	// MaxDepth bounds nested request depth. Zero means DefaultMaxDepth.
	MaxDepth int `koanf:"max_depth" yaml:"max_depth"`
}

// DefaultOptions returns the options used when pipeline simulation is
// added without customization: simulation on, audit and validation off.
func DefaultOptions() Options {
	return Options{
		UsePipelineSimulation: true,
		MaxDepth:              DefaultMaxDepth,
	}
}

func (o Options) maxDepth() int {
	if o.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return o.MaxDepth
}
