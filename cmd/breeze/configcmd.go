package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/divijg19/breeze/internal/config"
)

var (
	runtimeConfig     config.Config
	runtimeConfigErr  error
	runtimeConfigOnce sync.Once
)

// loadRuntimeConfig loads config once. On error the defaults are returned with the error.
func loadRuntimeConfig() (config.Config, error) {
	runtimeConfigOnce.Do(func() {
		runtimeConfig, runtimeConfigErr = config.Load()
		if runtimeConfigErr != nil {
			runtimeConfig = config.Default()
		}
	})
	return runtimeConfig, runtimeConfigErr
}

// printConfig renders the current configuration to stdout.
func printConfig(cfg config.Config) int {
	path, pathErr := config.ConfigPath()
	if pathErr == nil {
		fmt.Printf("Config file: %s\n\n", path)
	}
	if cfg.Editor == "" {
		fmt.Println("# editor: (unset)")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

// configureEditor scans for editors and returns cfg with the selected one.
func configureEditor(cfg config.Config) (config.Config, int) {
	editors := availableEditors()
	if len(editors) == 0 {
		fmt.Fprintln(os.Stderr, "config: no editors found on PATH")
		return cfg, 1
	}

	fmt.Println("Available editors:")
	for idx, editor := range editors {
		fmt.Printf("[%d] %s\n", idx, editor)
	}

	fmt.Print("Select editor by index: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: read: %v\n", err)
		return cfg, 1
	}
	line = strings.TrimSpace(line)
	if line == "" {
		fmt.Fprintln(os.Stderr, "config: no selection provided")
		return cfg, 1
	}
	idx, err := strconv.Atoi(line)
	if err != nil || idx < 0 || idx >= len(editors) {
		fmt.Fprintln(os.Stderr, "config: invalid editor index")
		return cfg, 2
	}

	cfg.Editor = editors[idx]
	return cfg, 0
}

// editConfigFile opens the config file in an editor, writing the defaults first when it does
// not exist yet, and validates the result.
func editConfigFile(cfg config.Config) (config.Config, int) {
	path, err := config.ConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return cfg, 1
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := config.SaveTo(cfg, path); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return cfg, 1
		}
	}
	if err := openInEditor(cfg.Editor, path); err != nil {
		fmt.Fprintf(os.Stderr, "config: editor: %v\n", err)
		return cfg, 1
	}
	edited, err := config.LoadFrom(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		fmt.Fprintln(os.Stderr, "The file was kept as edited; fix it and run: breeze config --edit")
		return cfg, 2
	}
	return edited, 0
}

// cmdConfigure handles `breeze config`.
func cmdConfigure(cfg config.Config, edit, pickEditor bool) int {
	if !edit && !pickEditor {
		return printConfig(cfg)
	}

	if pickEditor {
		var code int
		cfg, code = configureEditor(cfg)
		if code != 0 {
			return code
		}
		if err := config.Save(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return 1
		}
	}

	if edit {
		var code int
		cfg, code = editConfigFile(cfg)
		if code != 0 {
			return code
		}
	}

	return printConfig(cfg)
}
