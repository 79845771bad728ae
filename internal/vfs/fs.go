package vfs

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/InsulaLabs/projfs/internal/events"
	"github.com/InsulaLabs/projfs/internal/tkv"
)

// Options toggles checks that are off by default.
type Options struct {
	// StrictRead rejects readFile on a directory instead of returning no data.
	StrictRead bool
	// StrictUnlink rejects unlink on a directory instead of orphaning its children.
	StrictUnlink bool
	// RequireEmptyRmdir rejects a non-recursive rmdir of a directory that still has children.
	RequireEmptyRmdir bool
}

type Config struct {
	Logger  *slog.Logger
	Options Options

	// Events receives a notification for every committed change. Emitter is
	// stamped on each event.
	Events  events.PubSub
	Emitter string
}

// TreeEntry is one element of GetFileTree. Children is nil for files.
type TreeEntry struct {
	Label    string      `json:"label"`
	Children []TreeEntry `json:"children"`
}

// FS runs tree operations against one connection. Every operation is a single
// unit: it commits whole or leaves no trace, and its notifications are only
// published once it has committed.
type FS struct {
	unit    tkv.TKVUnitHandler
	logger  *slog.Logger
	opts    Options
	events  events.PubSub
	emitter string
}

type notification struct {
	topic   string
	payload events.Payload
}

type emitFunc func(topic string, payload events.Payload)

func New(unit tkv.TKVUnitHandler, config Config) *FS {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &FS{
		unit:    unit,
		logger:  config.Logger.WithGroup("vfs"),
		opts:    config.Options,
		events:  config.Events,
		emitter: config.Emitter,
	}
}

func (fs *FS) Mkdir(ctx context.Context, path string) error {
	if err := validateTarget(path); err != nil {
		return err
	}
	return fs.update(ctx, "mkdir", func(ns *NodeStore, emit emitFunc) error {
		if isRoot(path) {
			return &ErrNodeConflict{Path: path}
		}
		parentPath, name := DirName(path), FileName(path)
		parent, err := ns.resolveDir(parentPath)
		if err != nil {
			return err
		}
		if _, taken, err := ns.ChildWithName(parent.NodeID, name); err != nil {
			return err
		} else if taken {
			return &ErrNodeConflict{Path: path}
		}
		if _, err := ns.CreateNode(name, NodeDir, nil, parent.NodeID); err != nil {
			return err
		}
		emit(events.TopicDirectoryCreated, events.Payload{Path: path})
		return nil
	})
}

// WriteFile stores data at path. An existing node keeps its identity, type and
// parent; only its data changes.
func (fs *FS) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := validateTarget(path); err != nil {
		return err
	}
	return fs.update(ctx, "writeFile", func(ns *NodeStore, emit emitFunc) error {
		if isRoot(path) {
			return &ErrInvalidNodeOperation{Path: path, Expected: "non-root", Operation: "writeFile"}
		}
		parentPath, name := DirName(path), FileName(path)
		parent, err := ns.resolveDir(parentPath)
		if err != nil {
			return err
		}
		existing, found, err := ns.ChildWithName(parent.NodeID, name)
		if err != nil {
			return err
		}
		if found {
			existing.Data = data
			err = ns.ReplaceNode(existing)
		} else {
			_, err = ns.CreateNode(name, NodeFile, data, parent.NodeID)
		}
		if err != nil {
			return err
		}
		emit(events.TopicFileOpened, events.Payload{Path: path})
		emit(events.TopicFileWritten, events.Payload{Path: path})
		return nil
	})
}

// Rename moves the node at oldPath to newPath, reparenting it when the
// containing directory differs.
func (fs *FS) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := validatePath(oldPath); err != nil {
		return err
	}
	if err := validateTarget(newPath); err != nil {
		return err
	}
	return fs.update(ctx, "rename", func(ns *NodeStore, emit emitFunc) error {
		node, err := ns.mustResolve(oldPath)
		if err != nil {
			return err
		}
		if node.NodeID == RootID {
			return &ErrInvalidNodeOperation{Path: oldPath, Expected: "non-root", Operation: "rename"}
		}

		newDir := DirName(newPath)
		if DirName(oldPath) != newDir {
			parent, err := ns.resolveDir(newDir)
			if err != nil {
				return err
			}
			if node.IsDir() {
				cyclic, err := ns.isAncestor(node.NodeID, parent.NodeID)
				if err != nil {
					return err
				}
				if cyclic {
					return &ErrCyclicMove{OldPath: oldPath, NewPath: newPath}
				}
			}
			node.Parent = parent.NodeID
		}

		if _, occupied, err := ns.Resolve(newPath); err != nil {
			return err
		} else if occupied {
			return &ErrNodeConflict{Path: newPath}
		}

		node.Name = FileName(newPath)
		if err := ns.ReplaceNode(node); err != nil {
			return err
		}
		emit(events.TopicPathMoved, events.Payload{OldPath: oldPath, NewPath: newPath})
		return nil
	})
}

// ReadFile returns the data stored at path. Unless StrictRead is set a
// directory reads as nil data.
func (fs *FS) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := fs.view(ctx, func(ns *NodeStore) error {
		node, err := ns.mustResolve(path)
		if err != nil {
			return err
		}
		if fs.opts.StrictRead && node.IsDir() {
			return &ErrInvalidNodeOperation{Path: path, Expected: string(NodeFile), Operation: "readFile"}
		}
		data = node.Data
		return nil
	})
	return data, err
}

// Unlink deletes the node at path without descending into it. Unless
// StrictUnlink is set, unlinking a directory orphans its children.
func (fs *FS) Unlink(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	return fs.update(ctx, "unlink", func(ns *NodeStore, emit emitFunc) error {
		node, err := ns.mustResolve(path)
		if err != nil {
			return err
		}
		if node.NodeID == RootID {
			return &ErrInvalidNodeOperation{Path: path, Expected: "non-root", Operation: "unlink"}
		}
		if fs.opts.StrictUnlink && node.IsDir() {
			return &ErrInvalidNodeOperation{Path: path, Expected: string(NodeFile), Operation: "unlink"}
		}
		if err := ns.DeleteNode(node.NodeID); err != nil {
			return err
		}
		emit(events.TopicPathDeleted, events.Payload{Path: path})
		return nil
	})
}

// Rmdir deletes the directory at path. With recursive set every descendant is
// removed first, files before subdirectories are descended into, and the
// directory itself last. Without it the directory is removed outright unless
// RequireEmptyRmdir is set.
func (fs *FS) Rmdir(ctx context.Context, path string, recursive bool) error {
	if err := validatePath(path); err != nil {
		return err
	}
	return fs.update(ctx, "rmdir", func(ns *NodeStore, emit emitFunc) error {
		node, err := ns.mustResolve(path)
		if err != nil {
			return err
		}
		if node.NodeID == RootID {
			return &ErrInvalidNodeOperation{Path: path, Expected: "non-root", Operation: "rmdir"}
		}
		if !node.IsDir() {
			return &ErrInvalidNodeOperation{Path: path, Expected: string(NodeDir), Operation: "rmdir"}
		}
		if recursive {
			return deleteRecursive(ns, emit, node.NodeID, path)
		}
		if fs.opts.RequireEmptyRmdir {
			children, err := ns.ListChildren(node.NodeID)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				return &ErrDirectoryNotEmpty{Path: path}
			}
		}
		if err := ns.DeleteNode(node.NodeID); err != nil {
			return err
		}
		emit(events.TopicPathDeleted, events.Payload{Path: path})
		return nil
	})
}

func deleteRecursive(ns *NodeStore, emit emitFunc, id int64, path string) error {
	children, err := ns.ListChildren(id)
	if err != nil {
		return err
	}
	for _, child := range children {
		childPath := path + Separator + child.Name
		switch child.Type {
		case NodeFile:
			if err := ns.DeleteNode(child.NodeID); err != nil {
				return err
			}
			emit(events.TopicPathDeleted, events.Payload{Path: childPath})
		case NodeDir:
			if err := deleteRecursive(ns, emit, child.NodeID, childPath); err != nil {
				return err
			}
		}
	}
	if err := ns.DeleteNode(id); err != nil {
		return err
	}
	emit(events.TopicPathDeleted, events.Payload{Path: path})
	return nil
}

// GetFileTree returns the tree reachable from the root.
func (fs *FS) GetFileTree(ctx context.Context) ([]TreeEntry, error) {
	var tree []TreeEntry
	err := fs.view(ctx, func(ns *NodeStore) error {
		var err error
		tree, err = buildTree(ns, RootID)
		return err
	})
	return tree, err
}

func buildTree(ns *NodeStore, id int64) ([]TreeEntry, error) {
	children, err := ns.ListChildren(id)
	if err != nil {
		return nil, err
	}
	tree := make([]TreeEntry, 0, len(children))
	for _, child := range children {
		entry := TreeEntry{Label: child.Name}
		if child.IsDir() {
			if entry.Children, err = buildTree(ns, child.NodeID); err != nil {
				return nil, err
			}
		}
		tree = append(tree, entry)
	}
	return tree, nil
}

// GetAllFilesRaw returns every stored node, reachable or not.
func (fs *FS) GetAllFilesRaw(ctx context.Context) ([]Node, error) {
	var nodes []Node
	err := fs.view(ctx, func(ns *NodeStore) error {
		var err error
		nodes, err = ns.AllNodes()
		return err
	})
	return nodes, err
}

// Stat returns the node at path. The root is reported as a directory with
// RootID.
func (fs *FS) Stat(ctx context.Context, path string) (Node, error) {
	var node Node
	err := fs.view(ctx, func(ns *NodeStore) error {
		var err error
		node, err = ns.mustResolve(path)
		return err
	})
	return node, err
}

// ReadDir lists the directory at path sorted by name.
func (fs *FS) ReadDir(ctx context.Context, path string) ([]Node, error) {
	var children []Node
	err := fs.view(ctx, func(ns *NodeStore) error {
		dir, err := ns.mustResolve(path)
		if err != nil {
			return err
		}
		if !dir.IsDir() {
			return &ErrInvalidNodeOperation{Path: path, Expected: string(NodeDir), Operation: "readDir"}
		}
		children, err = ns.ListChildren(dir.NodeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(children, func(a, b Node) int {
		return strings.Compare(a.Name, b.Name)
	})
	return children, nil
}

// Glob returns every reachable path matching pattern, sorted.
func (fs *FS) Glob(ctx context.Context, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, doublestar.ErrBadPattern
	}
	var matches []string
	err := fs.view(ctx, func(ns *NodeStore) error {
		return walk(ns, RootID, "", func(path string, _ Node) error {
			if doublestar.MatchUnvalidated(pattern, path) {
				matches = append(matches, path)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)
	return matches, nil
}

func walk(ns *NodeStore, id int64, path string, fn func(path string, n Node) error) error {
	children, err := ns.ListChildren(id)
	if err != nil {
		return err
	}
	for _, child := range children {
		childPath := path + Separator + child.Name
		if err := fn(childPath, child); err != nil {
			return err
		}
		if child.IsDir() {
			if err := walk(ns, child.NodeID, childPath, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (fs *FS) view(ctx context.Context, fn func(ns *NodeStore) error) error {
	return fs.unit.View(ctx, []string{NodesCollection}, func(tx *tkv.Tx) error {
		ns, err := OpenNodeStore(tx)
		if err != nil {
			return err
		}
		return fn(ns)
	})
}

func (fs *FS) update(ctx context.Context, op string, fn func(ns *NodeStore, emit emitFunc) error) error {
	var pending []notification
	err := fs.unit.Update(ctx, []string{NodesCollection}, func(tx *tkv.Tx) error {
		pending = pending[:0]
		ns, err := OpenNodeStore(tx)
		if err != nil {
			return err
		}
		return fn(ns, func(topic string, payload events.Payload) {
			pending = append(pending, notification{topic: topic, payload: payload})
		})
	})
	if err != nil {
		fs.logger.Debug("tree operation aborted", "op", op, "error", err)
		return err
	}
	fs.logger.Debug("tree operation committed", "op", op, "notifications", len(pending))
	fs.publish(ctx, pending)
	return nil
}

func (fs *FS) publish(ctx context.Context, pending []notification) {
	if fs.events == nil {
		return
	}
	for _, n := range pending {
		pub, err := fs.events.GetPublisher(fs.emitter, n.topic)
		if err != nil {
			fs.logger.Warn("no publisher for topic", "topic", n.topic, "error", err)
			continue
		}
		if err := pub.Publish(ctx, n.payload); err != nil {
			fs.logger.Warn("failed to publish notification", "topic", n.topic, "error", err)
		}
	}
}
