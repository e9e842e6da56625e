// Package dockerfile validates a user-submitted Dockerfile and source file
// set before it's used to build a microVM lab's rootfs, grounded loosely
// on sandbox_build.py's "never hand an unvetted Dockerfile straight to a
// build" precaution — this package only validates and parses, the actual
// build/run the original performed is out of scope here (that's the
// microVM driver's job, not the HTTP layer's).
package dockerfile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/octolab-io/octolab/internal/orcherr"
)

// Limits on a deploy-from-dockerfile request, chosen to keep the sandbox
// build bounded rather than modeled on any single retrieved constant.
const (
	MaxSourceFiles   = 50
	MaxSourceFileLen = 1 << 20 // 1 MiB per file
	MaxTotalFilesLen = 8 << 20 // 8 MiB total
)

// forbiddenSubstrings catches the most common ways a submitted Dockerfile
// tries to escalate out of the sandbox. This is a denylist, not a sandbox
// boundary in itself — the microVM runtime is the actual isolation layer.
var forbiddenSubstrings = []string{
	"--privileged",
	"/var/run/docker.sock",
	"CAP_SYS_ADMIN",
}

// SourceFile is one file submitted alongside the Dockerfile.
type SourceFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Validate checks dockerfileContent and sourceFiles against the bounds and
// denylist above. Returns an *orcherr.Error with ErrInvalidName so the
// HTTP layer can map it to 400 without a second classification pass.
func Validate(dockerfileContent string, sourceFiles []SourceFile) error {
	trimmed := strings.TrimSpace(dockerfileContent)
	if trimmed == "" {
		return orcherr.New(orcherr.ErrInvalidName, "dockerfile is empty", nil)
	}
	firstLine := strings.ToUpper(strings.TrimSpace(strings.SplitN(trimmed, "\n", 2)[0]))
	if !strings.HasPrefix(firstLine, "FROM") {
		return orcherr.New(orcherr.ErrInvalidName, "dockerfile must start with a FROM instruction", nil)
	}

	lower := strings.ToLower(dockerfileContent)
	for _, bad := range forbiddenSubstrings {
		if strings.Contains(lower, strings.ToLower(bad)) {
			return orcherr.New(orcherr.ErrInvalidName, fmt.Sprintf("dockerfile contains a disallowed directive: %s", bad), nil)
		}
	}

	if len(sourceFiles) > MaxSourceFiles {
		return orcherr.New(orcherr.ErrInvalidName, fmt.Sprintf("too many source files (max %d)", MaxSourceFiles), nil)
	}
	total := len(dockerfileContent)
	for _, f := range sourceFiles {
		if len(f.Content) > MaxSourceFileLen {
			return orcherr.New(orcherr.ErrInvalidName, fmt.Sprintf("source file %q exceeds the per-file size limit", f.Name), nil)
		}
		total += len(f.Content)
	}
	if total > MaxTotalFilesLen {
		return orcherr.New(orcherr.ErrInvalidName, "total build context exceeds the size limit", nil)
	}

	return nil
}

// ParseExposedPorts scans dockerfileContent for EXPOSE instructions and
// returns the declared container ports, in declaration order, de-duplicated.
func ParseExposedPorts(dockerfileContent string) []int {
	var ports []int
	seen := map[int]bool{}

	for _, line := range strings.Split(dockerfileContent, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 || !strings.EqualFold(fields[0], "EXPOSE") {
			continue
		}
		for _, token := range fields[1:] {
			portStr := strings.SplitN(token, "/", 2)[0]
			port, err := strconv.Atoi(portStr)
			if err != nil || port <= 0 || port > 65535 {
				continue
			}
			if !seen[port] {
				seen[port] = true
				ports = append(ports, port)
			}
		}
	}
	return ports
}
