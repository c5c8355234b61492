package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/codespace-operator/appsession-operator/internal/launcher"
)

// result is what every command prints.
type result struct {
	OK        bool   `json:"ok"`
	URL       string `json:"url,omitempty"`
	Session   string `json:"session,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Storage   string `json:"storage,omitempty"`
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func failure(err error) result {
	if e, ok := launcher.AsError(err); ok {
		return result{Code: e.Code, Reason: e.Reason}
	}
	return result{Code: launcher.CodeInternal, Reason: err.Error()}
}

// write prints r as text, json or yaml.
func write(w io.Writer, format string, r result) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		b, err := sigsyaml.Marshal(r)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	case "", "text":
		return writeText(w, r)
	}
	return fmt.Errorf("unknown output format %q", format)
}

func writeText(w io.Writer, r result) error {
	var err error
	switch {
	case !r.OK:
		_, err = fmt.Fprintf(w, "error %d: %s\n", r.Code, r.Reason)
	case r.URL != "":
		_, err = fmt.Fprintln(w, r.URL)
	case r.Storage != "":
		_, err = fmt.Fprintf(w, "%s %s\n", r.Workspace, r.Storage)
	default:
		_, err = fmt.Fprintln(w, "ok")
	}
	return err
}

// readEnv loads the session environment from a yaml file with vars, fromConfigMaps and fromSecrets.
func readEnv(path string) (launcher.Env, error) {
	var env launcher.Env
	if path == "" {
		return env, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return env, err
	}
	if err := yaml.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("parsing %s: %w", path, err)
	}
	return env, nil
}
