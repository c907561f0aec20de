package bundler

var (
	AddWasm = addWasm
	EnvWasm = envWasm
	EnvJS   = envJS
)
