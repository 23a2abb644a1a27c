package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// extractWithTar is the secondary extraction path: the external tar utility
// with increasingly permissive flags. tar exit code 2 signals warnings with
// partial success (commonly skipped special files) and is not a failure.
func extractWithTar(ctx context.Context, logger *slog.Logger, layerPath, targetDir string, first, strict bool) error {
	gzipped, err := isGzipFile(layerPath)
	if err != nil {
		return fmt.Errorf("probe layer compression: %w", err)
	}

	baseArgs := []string{"-xf", layerPath, "-C", targetDir}
	if gzipped {
		baseArgs = []string{"-xzf", layerPath, "-C", targetDir}
	}

	var options []string
	if strict {
		options = []string{"--no-same-owner", "--no-same-permissions", "--dereference"}
		if !first {
			options = append(options, "--overwrite", "--skip-old-files")
		}
	} else {
		options = []string{"--no-same-owner", "--no-same-permissions"}
	}

	output, err := exec.CommandContext(ctx, "tar", append(baseArgs[:len(baseArgs):len(baseArgs)], options...)...).CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logger.WarnContext(ctx, "tar failed, retrying with permissive flags",
		"layer", layerPath, "error", err, "output", firstLines(string(output), 5))

	permissive := append(baseArgs[:len(baseArgs):len(baseArgs)],
		"--dereference", "--no-same-owner", "--no-same-permissions", "--skip-old-files")
	output, err = exec.CommandContext(ctx, "tar", permissive...).CombinedOutput()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 2 {
		logger.WarnContext(ctx, "tar finished with warnings, most files extracted",
			"layer", layerPath, "output", firstLines(string(output), 5))
		return nil
	}

	return fmt.Errorf("tar extraction of %s: %w (%s)", layerPath, err, firstLines(string(output), 5))
}

func isGzipFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	return magic[0] == 0x1f && magic[1] == 0x8b, nil
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
