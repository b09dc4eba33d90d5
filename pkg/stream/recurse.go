package stream

import (
	"os"

	"github.com/nemanja-m/gobatch/pkg/core"
)

// Recurse wraps run so that a unit naming a directory is replaced by the
// directory's entries. The entries are added to the job as new input and the
// directory itself is skipped; anything else goes to run.
func Recurse(run core.RunFunc) core.RunFunc {
	return func(inst core.Instance, input any) core.Result {
		path, ok := input.(string)
		if !ok {
			return run(inst, input)
		}
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			return run(inst, input)
		}

		entries, err := ListDir(path)
		if err != nil {
			return core.Fail(err)
		}
		inst.Debug("Expanding directory", "path", path, "entries", len(entries))
		inst.Add(toUnits(entries))
		return core.Skip()
	}
}
