// Package shellbridge proxies an interactive shell to a websocket client,
// injecting environment and file setup into the shell before handing the
// stream over. Unlike the agent session path the shell is a real pty and
// nothing in the stream is framed: bytes in, bytes out.
package shellbridge

import (
	"encoding/base64"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/HyphaGroup/portcullis/internal/remote"
)

var (
	envNameRegex  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	fileModeRegex = regexp.MustCompile(`^[0-7]{3,4}$`)
)

// EnvVar is one environment export, applied in caller order.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FileSpec materializes one file before the shell is considered ready.
// Content is raw; it travels through the shell base64-encoded so no byte
// sequence can break quoting.
type FileSpec struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`
}

// NewMarker returns a fresh setup-completion sentinel. The client buffers
// shell output locally and discards everything up to and including the
// marker, which tolerates arbitrary echo and banner noise without any
// server-side suppression.
func NewMarker() string {
	return "PORTCULLIS-READY-" + uuid.NewString()
}

// validateSetup rejects names and modes that splice into the setup script
// unquoted. Values and file contents need no checks; those travel quoted or
// base64-encoded.
func validateSetup(env []EnvVar, files []FileSpec) error {
	for _, e := range env {
		if !envNameRegex.MatchString(e.Name) {
			return fmt.Errorf("invalid environment variable name %q", e.Name)
		}
	}
	for _, f := range files {
		if f.Path == "" {
			return fmt.Errorf("file path cannot be empty")
		}
		if f.Mode != "" && !fileModeRegex.MatchString(f.Mode) {
			return fmt.Errorf("invalid mode %q for file %s", f.Mode, f.Path)
		}
	}
	return nil
}

// SetupScript renders the shell input that applies env and files in order
// and then emits the marker followed by a screen clear. Pure function.
func SetupScript(env []EnvVar, files []FileSpec, marker string) string {
	var b strings.Builder

	for _, e := range env {
		b.WriteString("export " + e.Name + "=" + remote.Quote(e.Value) + "\n")
	}

	for _, f := range files {
		encoded := base64.StdEncoding.EncodeToString([]byte(f.Content))
		b.WriteString("mkdir -p " + quotePath(path.Dir(f.Path)))
		b.WriteString(" && printf '%s' " + remote.Quote(encoded) + " | base64 -d > " + quotePath(f.Path))
		if f.Mode != "" {
			b.WriteString(" && chmod " + f.Mode + " " + quotePath(f.Path))
		}
		b.WriteString("\n")
	}

	b.WriteString("printf '%s\\n' " + remote.Quote(marker) + "\n")
	b.WriteString("clear\n")
	return b.String()
}

// quotePath quotes a path while leaving a leading tilde unquoted so the
// shell still expands it.
func quotePath(p string) string {
	if p == "~" {
		return "~"
	}
	if strings.HasPrefix(p, "~/") {
		return "~/" + remote.Quote(strings.TrimPrefix(p, "~/"))
	}
	return remote.Quote(p)
}
