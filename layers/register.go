package layers

import "github.com/tsawler/go-netbridge/engine"

// EngineName is the registry name of the reference engine
const EngineName = "reference"

func init() {
	engine.Register(EngineName, Open)
}
