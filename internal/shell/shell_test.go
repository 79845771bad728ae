package shell

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/InsulaLabs/projfs/internal/project"
	"github.com/InsulaLabs/projfs/internal/tkv"
	"github.com/InsulaLabs/projfs/internal/vfs"
)

func newTestProject(t *testing.T) *project.Project {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	engine, err := tkv.New(tkv.Config{Logger: logger, BadgerLogLevel: slog.LevelError, InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	p, err := project.New(project.Config{Logger: logger, Engine: engine})
	require.NoError(t, err)
	require.NoError(t, p.Attach(context.Background(), "shell-test"))
	return p
}

func run(t *testing.T, s *Session, line string) (string, error) {
	t.Helper()
	name, args := splitCommandIntoCommandAndArgs(line)
	handler, ok := getCommandMap()[name]
	require.True(t, ok, "unknown command %q", name)
	return handler(context.Background(), s, args)
}

func TestSessionHistory(t *testing.T) {
	s := NewSession(SessionConfig{}, nil)
	assert.Equal(t, "", s.NavigateHistory(true))

	s.AddToHistory("ls")
	s.AddToHistory("pwd")
	s.AddToHistory("")
	assert.Equal(t, []string{"ls", "pwd"}, s.GetHistory())

	s.StartHistoryNavigation("partial")
	assert.Equal(t, "pwd", s.NavigateHistory(true))
	assert.Equal(t, "ls", s.NavigateHistory(true))
	assert.Equal(t, "ls", s.NavigateHistory(true), "stays on the oldest entry")
	assert.Equal(t, "pwd", s.NavigateHistory(false))
	assert.Equal(t, "partial", s.NavigateHistory(false), "restores the buffer")
	assert.False(t, s.IsInHistoryMode())
}

func TestResolvePath(t *testing.T) {
	s := NewSession(SessionConfig{}, nil)
	assert.Equal(t, "/a", s.ResolvePath("a"))
	assert.Equal(t, "/a/b", s.ResolvePath("/a/b/"))

	s.currentDirectory = "/docs"
	assert.Equal(t, "/docs/x", s.ResolvePath("x"))
	assert.Equal(t, "/", s.ResolvePath(".."))
	assert.Equal(t, "/", s.ResolvePath("../../.."))
	assert.Equal(t, "/other", s.ResolvePath("/other"))
}

func TestSplitCommandIntoCommandAndArgs(t *testing.T) {
	tests := []struct {
		line string
		cmd  string
		args []string
	}{
		{"", "", nil},
		{"ls", "ls", nil},
		{"ls   ", "ls", nil},
		{"mv a b", "mv", []string{"a", "b"}},
		{`write f "hello world"`, "write", []string{"f", "hello world"}},
		{`write f 'it is'  x`, "write", []string{"f", "it is", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, args := splitCommandIntoCommandAndArgs(tt.line)
			assert.Equal(t, tt.cmd, cmd)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestFormatTree(t *testing.T) {
	tree := []vfs.TreeEntry{
		{Label: "docs", Children: []vfs.TreeEntry{
			{Label: "a.txt"},
			{Label: "empty", Children: []vfs.TreeEntry{}},
		}},
		{Label: "main.go"},
	}
	assert.Equal(t, "docs/\n  a.txt\n  empty/\nmain.go\n", FormatTree(tree))
}

func TestCommands(t *testing.T) {
	s := NewSession(SessionConfig{}, newTestProject(t))

	_, err := run(t, s, "mkdir docs")
	require.NoError(t, err)
	_, err = run(t, s, "cd docs")
	require.NoError(t, err)

	out, err := run(t, s, "pwd")
	require.NoError(t, err)
	assert.Equal(t, "/docs", out)

	_, err = run(t, s, `write a.txt "hello world"`)
	require.NoError(t, err)
	out, err = run(t, s, "cat /docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	_, err = run(t, s, "mv a.txt b.txt")
	require.NoError(t, err)
	out, err = run(t, s, "ls")
	require.NoError(t, err)
	assert.Equal(t, "f       11 b.txt\n", out)

	_, err = run(t, s, "cd b.txt")
	assert.Error(t, err)

	_, err = run(t, s, "cd")
	require.NoError(t, err)
	out, err = run(t, s, "tree")
	require.NoError(t, err)
	assert.Equal(t, "docs/\n  b.txt\n", out)

	out, err = run(t, s, "glob /**/*.txt")
	require.NoError(t, err)
	assert.Equal(t, "/docs/b.txt", out)

	_, err = run(t, s, "rm /docs/b.txt")
	require.NoError(t, err)
	_, err = run(t, s, "cat /docs/b.txt")
	var notFound *vfs.ErrNodeNotFound
	assert.ErrorAs(t, err, &notFound)

	_, err = run(t, s, "rmdir -r docs")
	require.NoError(t, err)
	out, err = run(t, s, "tree")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = run(t, s, "check")
	require.NoError(t, err)
	assert.Equal(t, "no conflicting writes", out)

	_, err = run(t, s, "mv onlyone")
	assert.ErrorIs(t, err, errUsage)

	out, err = run(t, s, "help")
	require.NoError(t, err)
	for _, name := range commandNames() {
		assert.Contains(t, out, commandHelp[name].usage)
	}
}

func typeLine(m tea.Model, line string) tea.Model {
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(line)})
	return m
}

func TestModelRunsCommands(t *testing.T) {
	p := newTestProject(t)
	var m tea.Model = New(context.Background(), ReplConfig{}, p)

	m = typeLine(m, "mkdir /src")
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	m, _ = m.Update(cmd())

	_, err := p.Stat(context.Background(), "/src")
	require.NoError(t, err)

	m = typeLine(m, "bogus")
	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m, _ = m.Update(cmd())
	assert.Contains(t, m.View(), "unknown command: bogus")

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyUp})
	assert.True(t, strings.HasSuffix(strings.TrimSpace(m.View()), "bogus█"))

	m = typeLine(m, "")
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	m = typeLine(m, "exit")
	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, "Goodbye!\n", m.View())
}
