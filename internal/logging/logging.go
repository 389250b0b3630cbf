// Package logging sets up the process-wide logger.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
)

// Init configures the standard logger to write to stdout and, when path is
// non-empty, to an append-only log file as well. Failures to open the file
// are logged and otherwise ignored; stdout logging always works.
func Init(path string) {
	log.SetFlags(log.LstdFlags)
	if path == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("Logging to file: %s", path)
}
