package ir

// Version constants for compiled artifacts and the engine.
const (
	// CompilerVersion tags every CompiledWorkflow. The engine refuses to
	// execute artifacts carrying any other tag.
	CompilerVersion = "lifeflow-compiler/1"

	// EngineVersion is the lifeflow engine version.
	EngineVersion = "0.1.0"
)
