package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

func buildEditorCommand(editor string, path string) (*exec.Cmd, error) {
	argv := strings.Fields(strings.TrimSpace(editor))
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty editor")
	}

	editorBin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, err
	}

	args := argv[1:]
	switch filepath.Base(editorBin) {
	case "code", "code-insiders", "codium", "vscodium":
		if !slices.Contains(args, "--wait") {
			args = append(args, "--wait")
		}
	}

	args = append(args, path)
	return exec.Command(editorBin, args...), nil
}

func availableEditors() []string {
	candidates := []string{os.Getenv("VISUAL"), os.Getenv("EDITOR"), "code", "code-insiders", "codium", "vscodium", "subl", "nvim", "vim", "vi", "nano", "emacs", "micro", "kate", "gedit"}
	seen := make(map[string]struct{})
	editors := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		argv := strings.Fields(candidate)
		if _, err := exec.LookPath(argv[0]); err != nil {
			continue
		}
		seen[candidate] = struct{}{}
		editors = append(editors, candidate)
	}
	return editors
}

// resolveEditor prefers the configured editor and falls back to $VISUAL, $EDITOR, nano, vim, vi.
func resolveEditor(configured, path string) (*exec.Cmd, error) {
	if configured = strings.TrimSpace(configured); configured != "" {
		cmd, err := buildEditorCommand(configured, path)
		if err != nil {
			return nil, fmt.Errorf("configured editor not found: %w", err)
		}
		return cmd, nil
	}
	for _, e := range []string{os.Getenv("VISUAL"), os.Getenv("EDITOR"), "nano", "vim", "vi"} {
		if cmd, err := buildEditorCommand(e, path); err == nil {
			return cmd, nil
		}
	}
	return nil, fmt.Errorf("no editor found in $VISUAL/$EDITOR and no fallback (nano/vim/vi) is available")
}

// openInEditor runs the editor on path in the foreground.
func openInEditor(configured, path string) error {
	cmd, err := resolveEditor(configured, path)
	if err != nil {
		return err
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
