package binload

import (
	"os"
	"sort"
)

// listUserPrograms returns the names of the subdirectories of userDir,
// sorted, each of which is expected to contain a "dwarf" and "hex" file. A
// missing userDir is not an error: a fireperf run with no user binaries
// still has a valid (empty) reverse index and only the kernel tracker.
func listUserPrograms(userDir string) ([]string, error) {
	entries, err := os.ReadDir(userDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
