package gateway

import "github.com/praetorian-labs/gradeflow/pkg/registry"

// Backends is the global registry of gateway.Backend factories. Backend
// packages (bedrock, openai) self-register via init() so the orchestrator
// can build the configured backend by name without importing every
// provider package directly.
var Backends = registry.New[Backend]("gateway.backend")
