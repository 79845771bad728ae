package vfs

import "strings"

const Separator = "/"

// SplitPath returns the segments of an absolute path. The root path ("" or
// "/") has no segments.
func SplitPath(path string) []string {
	if isRoot(path) {
		return nil
	}
	return strings.Split(path, Separator)[1:]
}

// DirName is everything before the last separator.
func DirName(path string) string {
	return path[:max(strings.LastIndex(path, Separator), 0)]
}

// FileName is everything after the last separator.
func FileName(path string) string {
	return path[strings.LastIndex(path, Separator)+1:]
}

// JoinPath appends name to a directory path.
func JoinPath(dir, name string) string {
	if isRoot(dir) {
		return Separator + name
	}
	return dir + Separator + name
}

func isRoot(path string) bool {
	return path == "" || path == Separator
}

func validatePath(path string) error {
	if path != "" && !strings.HasPrefix(path, Separator) {
		return &ErrInvalidPath{Path: path}
	}
	return nil
}

// validateTarget checks a path that names a node to be created.
func validateTarget(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if !isRoot(path) && FileName(path) == "" {
		return &ErrInvalidPath{Path: path}
	}
	return nil
}
