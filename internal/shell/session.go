package shell

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/InsulaLabs/projfs/internal/project"
	"github.com/InsulaLabs/projfs/internal/vfs"
)

type Session struct {
	sessionID string

	history       []string
	historyIndex  int
	currentBuffer string
	inHistoryMode bool

	config         SessionConfig
	startTimestamp time.Time

	project          *project.Project
	currentDirectory string
}

type SessionConfig struct {
	ActiveCursorSymbol   string
	InactiveCursorSymbol string
	Prompt               string
}

func NewSession(config SessionConfig, p *project.Project) *Session {
	if config.ActiveCursorSymbol == "" {
		config.ActiveCursorSymbol = "█"
	}
	if config.InactiveCursorSymbol == "" {
		config.InactiveCursorSymbol = " "
	}
	if config.Prompt == "" {
		config.Prompt = "> "
	}
	return &Session{
		sessionID:        uuid.New().String(),
		history:          []string{},
		historyIndex:     -1,
		config:           config,
		startTimestamp:   time.Now(),
		project:          p,
		currentDirectory: vfs.Separator,
	}
}

func (s *Session) ID() string {
	return s.sessionID
}

func (s *Session) AddToHistory(cmd string) {
	if cmd != "" {
		s.history = append(s.history, cmd)
		s.historyIndex = len(s.history)
		s.inHistoryMode = false
	}
}

func (s *Session) StartHistoryNavigation(currentBuffer string) {
	if !s.inHistoryMode {
		s.currentBuffer = currentBuffer
		s.inHistoryMode = true
		s.historyIndex = len(s.history)
	}
}

func (s *Session) IsInHistoryMode() bool {
	return s.inHistoryMode
}

func (s *Session) NavigateHistory(up bool) string {
	if len(s.history) == 0 {
		return ""
	}

	if up {
		if s.historyIndex > 0 {
			s.historyIndex--
			return s.history[s.historyIndex]
		}
	} else {
		if s.historyIndex < len(s.history)-1 {
			s.historyIndex++
			return s.history[s.historyIndex]
		}
		s.historyIndex = len(s.history)
		s.inHistoryMode = false
		return s.currentBuffer
	}

	if s.historyIndex >= 0 && s.historyIndex < len(s.history) {
		return s.history[s.historyIndex]
	}
	return s.currentBuffer
}

func (s *Session) GetHistory() []string {
	return s.history
}

func (s *Session) GetActiveCursorSymbol() string {
	return s.config.ActiveCursorSymbol
}

func (s *Session) GetInactiveCursorSymbol() string {
	return s.config.InactiveCursorSymbol
}

func (s *Session) Uptime() time.Duration {
	return time.Since(s.startTimestamp)
}

// GetPrompt is the project name and working directory followed by the
// configured prompt.
func (s *Session) GetPrompt() string {
	return fmt.Sprintf("%s:%s%s", s.project.Name(), s.currentDirectory, s.config.Prompt)
}

func (s *Session) GetCurrentDirectory() string {
	return s.currentDirectory
}

// ResolvePath turns an argument into an absolute, cleaned project path.
func (s *Session) ResolvePath(p string) string {
	if !strings.HasPrefix(p, vfs.Separator) {
		p = s.currentDirectory + vfs.Separator + p
	}
	return path.Clean(p)
}

func (s *Session) ChangeDirectory(ctx context.Context, target string) error {
	dir := s.ResolvePath(target)
	node, err := s.project.Stat(ctx, dir)
	if err != nil {
		return err
	}
	if !node.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}
	s.currentDirectory = dir
	return nil
}

func (s *Session) BuildHelpText() string {
	var b strings.Builder
	b.WriteString("Available Commands:\n\n")
	for _, name := range commandNames() {
		fmt.Fprintf(&b, "  %-24s %s\n", commandHelp[name].usage, commandHelp[name].text)
	}
	return b.String()
}
