package project

import (
	"context"
	"time"

	"github.com/InsulaLabs/projfs/internal/vfs"
)

// Each wrapper below runs one tree operation in its own session.

func (p *Project) run(ctx context.Context, op string, fn func(s *Session) error) error {
	start := time.Now()
	err := p.Access(ctx, fn)
	p.metrics.observe(op, start, err)
	if err != nil {
		p.logger.Debug("operation failed", "op", op, "error", err)
	}
	return err
}

func (p *Project) Mkdir(ctx context.Context, path string) error {
	return p.run(ctx, "mkdir", func(s *Session) error {
		return s.Mkdir(ctx, path)
	})
}

func (p *Project) WriteFile(ctx context.Context, path string, data []byte) error {
	return p.run(ctx, "writeFile", func(s *Session) error {
		return s.WriteFile(ctx, path, data)
	})
}

func (p *Project) Rename(ctx context.Context, oldPath, newPath string) error {
	return p.run(ctx, "rename", func(s *Session) error {
		return s.Rename(ctx, oldPath, newPath)
	})
}

func (p *Project) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := p.run(ctx, "readFile", func(s *Session) error {
		var err error
		data, err = s.ReadFile(ctx, path)
		return err
	})
	return data, err
}

func (p *Project) Unlink(ctx context.Context, path string) error {
	return p.run(ctx, "unlink", func(s *Session) error {
		return s.Unlink(ctx, path)
	})
}

func (p *Project) Rmdir(ctx context.Context, path string, recursive bool) error {
	return p.run(ctx, "rmdir", func(s *Session) error {
		return s.Rmdir(ctx, path, recursive)
	})
}

func (p *Project) GetFileTree(ctx context.Context) ([]vfs.TreeEntry, error) {
	var tree []vfs.TreeEntry
	err := p.run(ctx, "getFileTree", func(s *Session) error {
		var err error
		tree, err = s.GetFileTree(ctx)
		return err
	})
	return tree, err
}

func (p *Project) GetAllFilesRaw(ctx context.Context) ([]vfs.Node, error) {
	var nodes []vfs.Node
	err := p.run(ctx, "getAllFilesRaw", func(s *Session) error {
		var err error
		nodes, err = s.GetAllFilesRaw(ctx)
		return err
	})
	return nodes, err
}

func (p *Project) Stat(ctx context.Context, path string) (vfs.Node, error) {
	var node vfs.Node
	err := p.run(ctx, "stat", func(s *Session) error {
		var err error
		node, err = s.Stat(ctx, path)
		return err
	})
	return node, err
}

func (p *Project) ReadDir(ctx context.Context, path string) ([]vfs.Node, error) {
	var nodes []vfs.Node
	err := p.run(ctx, "readDir", func(s *Session) error {
		var err error
		nodes, err = s.ReadDir(ctx, path)
		return err
	})
	return nodes, err
}

func (p *Project) Glob(ctx context.Context, pattern string) ([]string, error) {
	var matches []string
	err := p.run(ctx, "glob", func(s *Session) error {
		var err error
		matches, err = s.Glob(ctx, pattern)
		return err
	})
	return matches, err
}
