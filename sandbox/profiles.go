package sandbox

import "path/filepath"

// pythonBootstrap loads the inputs and runs the application with dataset
// (bytes) and params (dict) bound as globals.
const pythonBootstrap = `import json, os, sys

def _load():
    with open(os.environ["DATASET_PATH"], "rb") as f:
        data = f.read()
    with open(os.environ["PARAMS_PATH"]) as f:
        p = json.load(f)
    with open(sys.argv[1]) as f:
        source = f.read()
    return data, p, source

_dataset, _params, _source = _load()
_globals = {"__name__": "__main__", "__builtins__": __builtins__, "dataset": _dataset, "params": _params}
del _load, _dataset, _params
exec(compile(_source, "application", "exec"), _globals)
`

const (
	datasetFile   = "dataset"
	paramsFile    = "params.json"
	bootstrapFile = "bootstrap.py"
)

// profile describes the files and command of one interpreter.
type profile struct {
	programFile string
	extraFiles  map[string]string
	command     func(dir string) []string
}

func profileFor(cfg *Config) profile {
	switch cfg.Interpreter {
	case ShellInterpreter:
		return profile{
			programFile: "application.sh",
			command: func(dir string) []string {
				return []string{"/bin/sh", filepath.Join(dir, "application.sh")}
			},
		}
	default:
		python := cfg.PythonPath
		return profile{
			programFile: "application.py",
			extraFiles:  map[string]string{bootstrapFile: pythonBootstrap},
			command: func(dir string) []string {
				return []string{python, "-I", "-B", filepath.Join(dir, bootstrapFile), filepath.Join(dir, "application.py")}
			},
		}
	}
}
