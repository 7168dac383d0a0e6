package trainer

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMalformedLossHistory is returned when a loss-history file's line indexes
// are not strictly 0..n-1. Callers treat it as unrecoverable for resume and
// fall back to a cold start.
var ErrMalformedLossHistory = errors.New("malformed loss history")

// LoadLossHistory reads the "<iter> <mean_loss>" loss file. A missing file
// yields an empty history and no error.
func LoadLossHistory(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open loss history: %w", err)
	}
	defer f.Close()

	var losses []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: line %q", ErrMalformedLossHistory, line)
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil || idx != len(losses) {
			return nil, fmt.Errorf("%w: expected index %d, got %q", ErrMalformedLossHistory, len(losses), fields[0])
		}
		loss, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad loss value %q", ErrMalformedLossHistory, fields[1])
		}
		losses = append(losses, loss)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read loss history: %w", err)
	}
	return losses, nil
}

// WriteLossHistory rewrites the loss file with one indexed line per
// iteration completed so far.
func WriteLossHistory(path string, losses []float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create loss history directory: %w", err)
	}
	var sb strings.Builder
	for i, loss := range losses {
		sb.WriteString(strconv.Itoa(i))
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(loss, 'g', -1, 64))
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write loss history: %w", err)
	}
	return nil
}
