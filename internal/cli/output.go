package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// structuredOutput reports whether --output asks for a machine format.
func structuredOutput() bool {
	return outputFmt == "json" || outputFmt == "yaml"
}

// printStructured writes v to stdout in the --output format.
func printStructured(v interface{}) error {
	return writeStructured(os.Stdout, outputFmt, v)
}

func writeStructured(w io.Writer, format string, v interface{}) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
	case "yaml":
		// Round-trip through JSON so field names follow the json tags.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
	return nil
}

// validateOutput rejects unknown --output values before any work is done.
func validateOutput() error {
	switch outputFmt {
	case "text", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unsupported output format %q (want text, json or yaml)", outputFmt)
}
