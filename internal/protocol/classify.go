package protocol

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Input classes recognized by the read-only filter. Each class maps to a
// human-readable action name for the blocked-input notice.
const (
	ClassNewTask    = "new_task"
	ClassLaunch     = "launch"
	ClassInstall    = "install"
	ClassModalInput = "modal_input"
)

// ActionName returns the display name for a blocked input class.
func ActionName(class string) string {
	switch class {
	case ClassNewTask:
		return "Task creation"
	case ClassLaunch:
		return "Cluster launch"
	case ClassInstall:
		return "Installation"
	default:
		return "This action"
	}
}

// Classifier maps single keystrokes to mutating-action classes. It is a
// heuristic over the dashboard's default keybindings, not an understanding of
// application state: if the dashboard remaps its keys the table must be
// updated, either here or via a rules file.
type Classifier struct {
	classes map[string]string // keystroke → class
}

// DefaultClassifier returns the built-in keystroke table matching the
// dashboard's stock keybindings.
func DefaultClassifier() *Classifier {
	return &Classifier{classes: map[string]string{
		"n":  ClassNewTask,
		"N":  ClassNewTask,
		"l":  ClassLaunch,
		"L":  ClassLaunch,
		"\r": ClassModalInput, // Enter confirms modals
		"\n": ClassModalInput,
	}}
}

// Classify returns the mutating-action class for a single keystroke, or ""
// when the input is not a known mutating action.
func (c *Classifier) Classify(input string) string {
	return c.classes[input]
}

// IsBlockedInReadOnly reports whether the input would be blocked when the
// broker runs in read-only mode.
func (c *Classifier) IsBlockedInReadOnly(input string) bool {
	return c.Classify(input) != ""
}

// rulesFile is the YAML shape for classifier overrides: a map from input
// class to the keystrokes that trigger it.
//
//	classes:
//	  new_task: ["n", "N"]
//	  launch: ["l", "L"]
//	  modal_input: ["\r", "\n"]
type rulesFile struct {
	Classes map[string][]string `yaml:"classes"`
}

// LoadClassifier reads a YAML rules file that replaces the built-in
// keystroke table. An empty path returns the default classifier.
func LoadClassifier(path string) (*Classifier, error) {
	if path == "" {
		return DefaultClassifier(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input rules: %w", err)
	}

	var rules rulesFile
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse input rules: %w", err)
	}
	if len(rules.Classes) == 0 {
		return nil, fmt.Errorf("input rules %s: no classes defined", path)
	}

	classes := make(map[string]string)
	for class, keys := range rules.Classes {
		for _, key := range keys {
			classes[key] = class
		}
	}
	return &Classifier{classes: classes}, nil
}
