// Package logger provides file-backed logging with daily rotation, size
// capping and optional stderr mirroring. Log files live in ~/.clawgate/logs/
// so a gateway that fails to start still leaves a trail to read.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config configures the log manager.
type Config struct {
	Dir           string     `json:"dir"`           // log directory, default ~/.clawgate/logs
	Level         slog.Level `json:"level"`         // minimum level
	MaxAgeDays    int        `json:"maxAgeDays"`    // retention in days, 0 keeps forever
	MaxSizeMB     int        `json:"maxSizeMB"`     // per-file cap, rotate past it
	StderrEnabled bool       `json:"stderrEnabled"` // mirror to stderr
}

// Manager owns the lifecycle of the log files.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	file    *os.File
	curDate string
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Dir:           defaultLogDir(),
		Level:         slog.LevelInfo,
		MaxAgeDays:    30,
		MaxSizeMB:     50,
		StderrEnabled: true,
	}
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".clawgate", "logs")
	}
	return filepath.Join(home, ".clawgate", "logs")
}

// New creates the manager and opens the current log file.
func New(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		cfg.Dir = defaultLogDir()
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	m := &Manager{cfg: cfg}
	if err := m.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewSlogHandler returns an slog.Handler writing through the manager.
func (m *Manager) NewSlogHandler() slog.Handler {
	return slog.NewTextHandler(m, &slog.HandlerOptions{
		Level: m.cfg.Level,
	})
}

// NewLogger returns a file-backed slog.Logger.
func (m *Manager) NewLogger() *slog.Logger {
	return slog.New(m.NewSlogHandler())
}

// Write implements io.Writer with date rotation and optional stderr mirror.
func (m *Manager) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_ = m.rotateIfNeededLocked()

	if m.file != nil {
		n, err = m.file.Write(p)
	}

	if m.cfg.StderrEnabled {
		_, _ = os.Stderr.Write(p)
	}

	return n, err
}

// Close closes the current log file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		err := m.file.Close()
		m.file = nil
		return err
	}
	return nil
}

// LogDir returns the log directory path.
func (m *Manager) LogDir() string {
	return m.cfg.Dir
}

// CurrentLogFile returns the path of the active log file.
func (m *Manager) CurrentLogFile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return m.file.Name()
	}
	return logFileName(m.cfg.Dir, todayDate())
}

func (m *Manager) rotateIfNeeded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateIfNeededLocked()
}

func (m *Manager) rotateIfNeededLocked() error {
	today := todayDate()
	needRotate := false

	if m.file == nil {
		needRotate = true
	} else if m.curDate != today {
		needRotate = true
	} else if m.cfg.MaxSizeMB > 0 {
		if info, err := m.file.Stat(); err == nil {
			if info.Size() >= int64(m.cfg.MaxSizeMB)*1024*1024 {
				needRotate = true
			}
		}
	}

	if !needRotate {
		return nil
	}

	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}

	path := logFileName(m.cfg.Dir, today)
	if m.cfg.MaxSizeMB > 0 {
		if info, err := os.Stat(path); err == nil && info.Size() >= int64(m.cfg.MaxSizeMB)*1024*1024 {
			for seq := 1; seq < 100; seq++ {
				candidate := filepath.Join(m.cfg.Dir, fmt.Sprintf("clawgate-%s.%d.log", today, seq))
				if _, err := os.Stat(candidate); os.IsNotExist(err) {
					path = candidate
					break
				}
			}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	m.file = f
	m.curDate = today
	return nil
}

// Cleanup removes log files older than the retention window.
func (m *Manager) Cleanup() (int, error) {
	if m.cfg.MaxAgeDays <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -m.cfg.MaxAgeDays)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(m.cfg.Dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// ListLogFiles lists log files, newest first.
func ListLogFiles(dir string) ([]LogFileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []LogFileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, LogFileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

// LogFileInfo describes one log file.
type LogFileInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// TotalSize returns the combined size of the log directory in bytes.
func TotalSize(dir string) (int64, error) {
	files, err := ListLogFiles(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}

// TailFile reads the last n lines of a log file.
func TailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")
	if n <= 0 {
		n = 200
	}
	start := len(lines) - n
	if start < 0 {
		start = 0
	}
	var result []string
	for i := start; i < len(lines); i++ {
		if lines[i] != "" {
			result = append(result, lines[i])
		}
	}
	return result, nil
}

// QueryFile returns the lines of a log file matching a pattern.
func QueryFile(path, pattern string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(pattern)
	var matches []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(strings.ToLower(line), q) {
			matches = append(matches, line)
		}
	}
	return matches, nil
}

// FollowFile streams new file content to w until stop closes.
func FollowFile(path string, w io.Writer, stop <-chan struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
		}
		if readErr != nil {
			if readErr == io.EOF {
				time.Sleep(500 * time.Millisecond)
				continue
			}
			return readErr
		}
	}
}

func todayDate() string {
	return time.Now().Format("2006-01-02")
}

func logFileName(dir, date string) string {
	return filepath.Join(dir, fmt.Sprintf("clawgate-%s.log", date))
}
