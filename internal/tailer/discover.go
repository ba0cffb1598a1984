package tailer

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultRoot returns the directory the tailer watches by default:
// "<home>/.claude/projects". Session files live under project
// subdirectories as "**/*.jsonl" (§6).
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// HistoryFilePath returns "<home>/.claude/history.jsonl" -- the one file
// the tailer must never open, because it holds raw prompts (§6).
func HistoryFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "history.jsonl"), nil
}

// isSessionFile reports whether path is a ".jsonl" file that the tailer is
// allowed to open: it must not be the history file.
func isSessionFile(path string, historyPath string) bool {
	if !strings.HasSuffix(path, ".jsonl") {
		return false
	}
	if historyPath != "" && filepath.Clean(path) == filepath.Clean(historyPath) {
		return false
	}
	return true
}

// walkDirs returns root and every directory beneath it, for registering
// each with the (non-recursive) filesystem watcher.
func walkDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// A directory may disappear mid-walk (project removed); skip it
			// rather than aborting discovery of the rest of the tree.
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}

// discoverSessionFiles returns every session file currently under root.
// Used to seed baseline parser state for files that existed before the
// watcher started.
func discoverSessionFiles(root, historyPath string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if isSessionFile(path, historyPath) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
