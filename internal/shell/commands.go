package shell

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/InsulaLabs/projfs/internal/vfs"
)

// CLICmdHandler runs one shell command and returns its output.
type CLICmdHandler func(ctx context.Context, session *Session, args []string) (string, error)

var errUsage = errors.New("usage")

type helpEntry struct {
	usage string
	text  string
}

var commandHelp = map[string]helpEntry{
	"pwd":   {"pwd", "Print the working directory"},
	"cd":    {"cd [dir]", "Change the working directory"},
	"ls":    {"ls [dir]", "List a directory"},
	"tree":  {"tree", "Show the whole project tree"},
	"mkdir": {"mkdir <dir>", "Create a directory"},
	"write": {"write <file> <text...>", "Write text to a file, replacing its content"},
	"cat":   {"cat <file>", "Print a file"},
	"mv":    {"mv <old> <new>", "Move or rename a file or directory"},
	"rm":    {"rm <path>", "Remove a file"},
	"rmdir": {"rmdir [-r] <dir>", "Remove a directory, with -r everything under it"},
	"glob":  {"glob <pattern>", "List paths matching a pattern such as /src/**/*.go"},
	"check": {"check", "Check whether another session wrote to the project"},
	"help":  {"help", "Display this help message"},
	"exit":  {"exit", "Exit the shell"},
}

func commandNames() []string {
	names := make([]string, 0, len(commandHelp))
	for name := range commandHelp {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func usage(name string) error {
	return fmt.Errorf("%w: %s", errUsage, commandHelp[name].usage)
}

// getCommandMap holds every command except exit, which the model handles.
func getCommandMap() map[string]CLICmdHandler {
	return map[string]CLICmdHandler{
		"help": func(ctx context.Context, session *Session, args []string) (string, error) {
			return session.BuildHelpText(), nil
		},
		"pwd": func(ctx context.Context, session *Session, args []string) (string, error) {
			return session.GetCurrentDirectory(), nil
		},
		"cd": func(ctx context.Context, session *Session, args []string) (string, error) {
			target := vfs.Separator
			if len(args) > 0 {
				target = args[0]
			}
			return "", session.ChangeDirectory(ctx, target)
		},
		"ls": func(ctx context.Context, session *Session, args []string) (string, error) {
			target := session.GetCurrentDirectory()
			if len(args) > 0 {
				target = session.ResolvePath(args[0])
			}
			entries, err := session.project.ReadDir(ctx, target)
			if err != nil {
				return "", err
			}
			var output strings.Builder
			for _, entry := range entries {
				fileType := "f"
				if entry.IsDir() {
					fileType = "d"
				}
				fmt.Fprintf(&output, "%s %8d %s\n", fileType, len(entry.Data), entry.Name)
			}
			return output.String(), nil
		},
		"tree": func(ctx context.Context, session *Session, args []string) (string, error) {
			tree, err := session.project.GetFileTree(ctx)
			if err != nil {
				return "", err
			}
			return FormatTree(tree), nil
		},
		"mkdir": func(ctx context.Context, session *Session, args []string) (string, error) {
			if len(args) != 1 {
				return "", usage("mkdir")
			}
			return "", session.project.Mkdir(ctx, session.ResolvePath(args[0]))
		},
		"write": func(ctx context.Context, session *Session, args []string) (string, error) {
			if len(args) < 1 {
				return "", usage("write")
			}
			data := []byte(strings.Join(args[1:], " "))
			return "", session.project.WriteFile(ctx, session.ResolvePath(args[0]), data)
		},
		"cat": func(ctx context.Context, session *Session, args []string) (string, error) {
			if len(args) != 1 {
				return "", usage("cat")
			}
			data, err := session.project.ReadFile(ctx, session.ResolvePath(args[0]))
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
		"mv": func(ctx context.Context, session *Session, args []string) (string, error) {
			if len(args) != 2 {
				return "", usage("mv")
			}
			return "", session.project.Rename(ctx, session.ResolvePath(args[0]), session.ResolvePath(args[1]))
		},
		"rm": func(ctx context.Context, session *Session, args []string) (string, error) {
			if len(args) != 1 {
				return "", usage("rm")
			}
			return "", session.project.Unlink(ctx, session.ResolvePath(args[0]))
		},
		"rmdir": func(ctx context.Context, session *Session, args []string) (string, error) {
			recursive := len(args) == 2 && args[0] == "-r"
			if recursive {
				args = args[1:]
			}
			if len(args) != 1 {
				return "", usage("rmdir")
			}
			return "", session.project.Rmdir(ctx, session.ResolvePath(args[0]), recursive)
		},
		"glob": func(ctx context.Context, session *Session, args []string) (string, error) {
			if len(args) != 1 {
				return "", usage("glob")
			}
			matches, err := session.project.Glob(ctx, args[0])
			if err != nil {
				return "", err
			}
			return strings.Join(matches, "\n"), nil
		},
		"check": func(ctx context.Context, session *Session, args []string) (string, error) {
			if session.project.CheckForWriteConflicts(ctx) {
				return "project was modified by another session", nil
			}
			return "no conflicting writes", nil
		},
	}
}

// FormatTree renders a file tree with two spaces of indent per level and a
// trailing separator on directories.
func FormatTree(tree []vfs.TreeEntry) string {
	var b strings.Builder
	formatTree(&b, tree, 0)
	return b.String()
}

func formatTree(b *strings.Builder, tree []vfs.TreeEntry, depth int) {
	for _, entry := range tree {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(entry.Label)
		if entry.Children != nil {
			b.WriteString(vfs.Separator)
		}
		b.WriteString("\n")
		if entry.Children != nil {
			formatTree(b, entry.Children, depth+1)
		}
	}
}

// splitCommandIntoCommandAndArgs separates the command word from its
// arguments. Single or double quotes group words into one argument.
func splitCommandIntoCommandAndArgs(command string) (string, []string) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", nil
	}

	spaceIndex := strings.Index(command, " ")
	if spaceIndex == -1 {
		return command, nil
	}

	cmd := command[:spaceIndex]
	argsStr := strings.TrimSpace(command[spaceIndex+1:])
	if argsStr == "" {
		return cmd, nil
	}

	var args []string
	var current strings.Builder
	inQuotes := false
	quoteChar := byte(0)

	for i := 0; i < len(argsStr); i++ {
		char := argsStr[i]

		switch {
		case !inQuotes && (char == '"' || char == '\''):
			inQuotes = true
			quoteChar = char
		case inQuotes && char == quoteChar:
			inQuotes = false
			quoteChar = 0
		case !inQuotes && char == ' ':
			if current.Len() > 0 {
				args = append(args, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(char)
		}
	}

	if current.Len() > 0 {
		args = append(args, current.String())
	}

	return cmd, args
}
