package evidence

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/octolab-io/octolab/internal/safetar"
	"github.com/octolab-io/octolab/internal/subprocess"
)

const extractHelperImage = "alpine:3"

// ExtractVolume streams a Docker volume's regular files into destDir by
// spawning a locked-down helper container (no network, all capabilities
// dropped, no-new-privileges, optionally a non-root uid) that tars `/v` to
// stdout; the host side runs that stream through internal/safetar.Extract
// so nothing the volume contains — traversal, symlinks, device nodes — is
// trusted blindly.
func ExtractVolume(ctx context.Context, volumeName, destDir string, asUID *int) ([]string, error) {
	args := []string{
		"run", "--rm", "-i",
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"-v", volumeName + ":/v:ro",
	}
	if asUID != nil {
		args = append(args, "--user", strconv.Itoa(*asUID))
	}
	args = append(args, extractHelperImage, "tar", "-cf", "-", "-C", "/v", ".")

	cmd := exec.CommandContext(ctx, "docker", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("evidence: opening stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("evidence: starting extraction helper: %w", err)
	}

	members, extractErr := safetar.Extract(stdout, destDir, safetar.DefaultLimits)
	waitErr := cmd.Wait()
	if waitErr != nil {
		return nil, fmt.Errorf("evidence: extraction helper failed: %w (stderr: %s)", waitErr, stderr.String())
	}
	if extractErr != nil {
		return nil, fmt.Errorf("evidence: extracting volume %s: %w", volumeName, extractErr)
	}
	return members, nil
}

// writeFileToVolume writes content as name into volumeName via the same
// helper-container write path export_compose_logs_to_auth_volume uses:
// pipe a single-file tar stream
// into `tar -xf -` running inside a locked-down container with the volume
// mounted read-write.
func writeFileToVolume(ctx context.Context, volumeName, name string, content []byte, timeout time.Duration) error {
	tarBytes, err := singleFileTar(name, content)
	if err != nil {
		return fmt.Errorf("evidence: building write tar: %w", err)
	}

	args := []string{
		"run", "--rm", "-i",
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"-v", volumeName + ":/v",
		extractHelperImage, "tar", "-xf", "-", "-C", "/v",
	}
	res, err := subprocess.Run(ctx, "docker", args,
		subprocess.WithTimeout(timeout),
		subprocess.WithStdin(tarBytes),
	)
	if err != nil {
		return fmt.Errorf("evidence: writing %s to volume %s: %w", name, volumeName, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("evidence: writing %s to volume %s failed: %s", name, volumeName, res.Stderr)
	}
	return nil
}
