package transfer

import "os"

// statPath is a thin indirection over os.Stat so tests that need to
// simulate collisions without real files can swap it out.
var statPath = func(path string) (os.FileInfo, error) {
	return os.Stat(path)
}
