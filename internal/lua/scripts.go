package lua

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sanitizeFilename rejects traversal and anything not ending in .lua.
func sanitizeFilename(name string) (string, error) {
	if !strings.HasSuffix(name, ".lua") {
		return "", errors.New("filename must end with .lua")
	}
	cleanName := filepath.Base(name)
	if cleanName != name || cleanName == ".lua" || strings.Contains(cleanName, "..") {
		return "", errors.New("invalid filename")
	}
	return cleanName, nil
}

// ScriptPath returns the path of a script inside the scripts directory,
// creating the directory if needed.
func (e *Engine) ScriptPath(name string) (string, error) {
	cleanName, err := sanitizeFilename(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.scriptsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scripts directory: %w", err)
	}
	return filepath.Join(e.scriptsDir, cleanName), nil
}

// ScriptCode returns the source of a script.
func (e *Engine) ScriptCode(name string) (string, error) {
	path, err := e.ScriptPath(name)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// SaveScript writes a script, replacing any previous version.
func (e *Engine) SaveScript(name, code string) error {
	path, err := e.ScriptPath(name)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(code), 0644)
}

func (e *Engine) DeleteScript(name string) error {
	path, err := e.ScriptPath(name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// Scripts lists the .lua files in the scripts directory.
func (e *Engine) Scripts() ([]string, error) {
	var scripts []string
	files, err := os.ReadDir(e.scriptsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return scripts, nil
		}
		return nil, err
	}
	for _, file := range files {
		if !file.IsDir() && filepath.Ext(file.Name()) == ".lua" {
			scripts = append(scripts, file.Name())
		}
	}
	return scripts, nil
}
