package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/koios/shotframe/internal/handlers"
	"gopkg.in/yaml.v3"
)

// readDocument decodes a JSON or YAML file into v. "-" reads stdin as JSON.
// YAML documents use the same field names as the JSON API.
func readDocument(path string, stdin io.Reader, v any) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func validationFailure(out io.Writer, errs []handlers.ValidationError) error {
	for _, e := range errs {
		fmt.Fprintf(out, "  %s: %s (%s)\n", e.Field, e.Message, e.Code)
	}
	return fmt.Errorf("%d validation error(s)", len(errs))
}

func percent(v float64) string {
	return fmt.Sprintf("%3.0f%%", v*100)
}
