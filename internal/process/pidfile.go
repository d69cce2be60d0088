package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PIDFile records the running backend so a restarted host can find a
// child left behind by a crash. The first line holds the PID, the second
// a JSON object with the process start time.
type PIDFile struct {
	Path string
}

type pidMeta struct {
	StartMillis int64 `json:"start_ms"`
}

// Write records pid together with its start time.
func (f PIDFile) Write(ctx context.Context, pid int) error {
	var meta pidMeta
	if p, err := gopsproc.NewProcessWithContext(ctx, int32(pid)); err == nil {
		meta.StartMillis, _ = p.CreateTimeWithContext(ctx)
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return fmt.Errorf("pidfile dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return os.Rename(tmp, f.Path)
}

// Read returns the recorded PID and start time. A missing file yields a
// zero PID and no error.
func (f PIDFile) Read() (int, int64, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", f.Path, err)
	}
	var meta pidMeta
	if len(lines) > 1 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta)
	}
	return pid, meta.StartMillis, nil
}

// Remove deletes the file; a missing file is not an error.
func (f PIDFile) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Alive reports whether the recorded process still runs. A PID that was
// reused by an unrelated process (different start time) counts as gone.
func (f PIDFile) Alive(ctx context.Context) (int, bool, error) {
	pid, startMs, err := f.Read()
	if err != nil || pid <= 0 {
		return pid, false, err
	}
	exists, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return pid, false, nil
	}
	if startMs > 0 {
		p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			return pid, false, nil
		}
		if cur, err := p.CreateTimeWithContext(ctx); err == nil && cur != startMs {
			return pid, false, nil
		}
	}
	return pid, true, nil
}

// ReapOrphan stops the process group recorded in f if it is still alive,
// escalating to SIGKILL after grace, and removes the file. It returns the
// PID that was stopped, or zero.
func ReapOrphan(ctx context.Context, f PIDFile, grace time.Duration) (int, error) {
	pid, alive, err := f.Alive(ctx)
	if err != nil {
		return 0, err
	}
	if !alive {
		return 0, f.Remove()
	}
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		return 0, fmt.Errorf("terminate orphan %d: %w", pid, err)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if ok, _ := gopsproc.PidExistsWithContext(ctx, int32(pid)); !ok {
			return pid, f.Remove()
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	_ = signalGroup(pid, syscall.SIGKILL)
	return pid, f.Remove()
}
