package task

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"hardwire/internal/server/apperr"
)

// progressInterval paces progress writes to the store while 7z runs.
const progressInterval = 250 * time.Millisecond

// sevenZipBinaries are the candidate binary names, tried in order.
// 7zz is the official standalone build, 7z the p7zip wrapper, 7za the
// standalone p7zip variant.
var sevenZipBinaries = []string{"7zz", "7z", "7za"}

// percentPattern matches the percentage column of 7z's -bsp1 progress
// stream, e.g. " 42% 12 + somefile".
var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// lookupSevenZip finds a usable 7z binary on PATH.
func lookupSevenZip() (string, error) {
	for _, name := range sevenZipBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no 7z binary found on PATH (tried %s)", strings.Join(sevenZipBinaries, ", "))
}

// buildArchive runs 7z over the task's inputs and returns the archive path
// relative to the data root. Progress is parsed from 7z's own progress
// stream and committed through the throttle.
func (m *Manager) buildArchive(ctx context.Context, taskID string, in *ArchiveInput) (string, error) {
	outputAbs, err := resolveUnderRoot(m.dataRoot, in.OutputPath)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(strings.ToLower(outputAbs), ".7z") {
		outputAbs += ".7z"
	}

	sources := make([]string, 0, len(in.Files)+1)
	if in.Directory != "" {
		abs, err := resolveUnderRoot(m.dataRoot, in.Directory)
		if err != nil {
			return "", err
		}
		info, statErr := os.Stat(abs)
		if statErr != nil {
			return "", fmt.Errorf("input directory %s: %w", in.Directory, statErr)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("input path %s is not a directory", in.Directory)
		}
		sources = append(sources, abs)
	}
	for _, f := range in.Files {
		abs, err := resolveUnderRoot(m.dataRoot, f)
		if err != nil {
			return "", err
		}
		if _, statErr := os.Stat(abs); statErr != nil {
			return "", fmt.Errorf("input file %s: %w", f, statErr)
		}
		sources = append(sources, abs)
	}

	if err := os.MkdirAll(filepath.Dir(outputAbs), 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}
	// 7z appends to existing archives; a retried task must start clean.
	if err := os.Remove(outputAbs); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove stale archive: %w", err)
	}

	binary, err := lookupSevenZip()
	if err != nil {
		return "", err
	}

	args := []string{"a", "-t7z", "-m0=lzma2", "-bsp1", "-y"}
	if in.Password != "" {
		// -mhe encrypts the file listing, not just contents.
		args = append(args, "-p"+in.Password, "-mhe=on")
	}
	args = append(args, outputAbs)
	args = append(args, sources...)

	throttle := newProgressThrottle(progressInterval, func(percent int) {
		if err := m.repo.UpdateTaskProgress(ctx, taskID, percent); err != nil {
			slog.Error("failed to record task progress", "task_id", taskID, "error", err)
		}
	})

	if err := runSevenZip(ctx, binary, args, throttle.update); err != nil {
		// Do not leave a truncated archive behind.
		_ = os.Remove(outputAbs)
		return "", err
	}

	rel, err := filepath.Rel(m.dataRoot, outputAbs)
	if err != nil {
		return "", err
	}
	return rel, nil
}

// runSevenZip executes the archiver and streams percentages from its
// progress output. The exit status decides success; progress parsing is
// best-effort.
func runSevenZip(ctx context.Context, binary string, args []string, onPercent func(int)) error {
	cmd := exec.CommandContext(ctx, binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", binary, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Split(scanProgressChunks)
	for scanner.Scan() {
		if match := percentPattern.FindStringSubmatch(scanner.Text()); match != nil {
			if percent, perr := strconv.Atoi(match[1]); perr == nil {
				onPercent(percent)
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s exited with error: %w", filepath.Base(binary), err)
	}
	return nil
}

// scanProgressChunks splits on both \n and \r: 7z rewrites its progress
// line in place with carriage returns.
func scanProgressChunks(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// resolveUnderRoot resolves a path relative to the data root and rejects
// anything escaping it after canonicalisation.
func resolveUnderRoot(root, p string) (string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", apperr.Validation("invalid path")
	}

	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, p)
	}
	abs = filepath.Clean(abs)

	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", apperr.Validation(fmt.Sprintf("path %s escapes the data root", p))
	}
	return abs, nil
}
