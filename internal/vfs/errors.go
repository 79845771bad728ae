package vfs

import "fmt"

type ErrParentDirectoryNotFound struct {
	Path string
}

func (e *ErrParentDirectoryNotFound) Error() string {
	return fmt.Sprintf("parent directory not found: %s", e.Path)
}

type ErrNodeNotFound struct {
	Path string
}

func (e *ErrNodeNotFound) Error() string {
	return fmt.Sprintf("node not found: %s", e.Path)
}

type ErrNodeConflict struct {
	Path string
}

func (e *ErrNodeConflict) Error() string {
	return fmt.Sprintf("node already exists: %s", e.Path)
}

// ErrInvalidNodeOperation is returned when an operation is applied to a node
// of the wrong kind. Expected is a NodeType or "non-root".
type ErrInvalidNodeOperation struct {
	Path      string
	Expected  string
	Operation string
}

func (e *ErrInvalidNodeOperation) Error() string {
	return fmt.Sprintf("invalid operation '%s' on %s: expected %s", e.Operation, e.Path, e.Expected)
}

type ErrInvalidPath struct {
	Path string
}

func (e *ErrInvalidPath) Error() string {
	return fmt.Sprintf("invalid path: %q", e.Path)
}

type ErrDirectoryNotEmpty struct {
	Path string
}

func (e *ErrDirectoryNotEmpty) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Path)
}

type ErrCyclicMove struct {
	OldPath string
	NewPath string
}

func (e *ErrCyclicMove) Error() string {
	return fmt.Sprintf("cannot move %s into its own subtree at %s", e.OldPath, e.NewPath)
}
