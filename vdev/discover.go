package vdev

import (
	"strings"

	"github.com/karrick/godirwalk"

	"github.com/zfscore/spa/cmn/nlog"
)

// DiscoverLeaves walks root looking for candidate leaf device files, a
// pool-import helper for the case where leaves are addressed by path
// rather than a persisted vdev GUID -> path table. Matching is
// deliberately permissive (any regular file, any block-special entry
// godirwalk reports); callers filter by reading each candidate's label
// (see package label) before trusting it.
func DiscoverLeaves(root string) ([]string, error) {
	var out []string
	err := godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			if strings.HasSuffix(path, ".lock") {
				return godirwalk.SkipThis
			}
			out = append(out, path)
			return nil
		},
		ErrorCallback: func(path string, err error) godirwalk.ErrorAction {
			nlog.Warningln("vdev: discover skip", path, err)
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
