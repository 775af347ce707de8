//go:build v8

package jsbridge

import (
	"github.com/cryguy/jsbridge/internal/core"
	"github.com/cryguy/jsbridge/internal/v8engine"
)

// EngineName identifies the engine this build links against.
const EngineName = "v8"

var newEngine core.EngineFactory = v8engine.New
