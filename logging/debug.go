package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DebugLogger provides verbose debug logging by category. It writes to a
// dedicated debug.log file and is intended for troubleshooting field bus
// communication, sync delivery, and scheduling issues.
type DebugLogger struct {
	file    *os.File
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Category filters (empty = log all)
}

// Global debug logger instance
var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

// Known categories for filtering
var knownCategories = []string{
	"modbus", "opcua", "eip",
	"points", "safety", "produce", "alarm", "syncq", "sched",
	"mqtt", "kafka", "valkey",
	"api", "engine",
	"debug",
}

// NewDebugLogger creates a new debug logger that writes to the specified path.
// The file is created fresh (truncated if it exists) for each session.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}

	logger := &DebugLogger{
		file:    file,
		filters: make(map[string]bool),
	}

	// Write header
	logger.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	logger.Log("DEBUG", "========================================")

	return logger, nil
}

// KnownCategories returns the categories recognized by SetFilter.
func KnownCategories() []string {
	out := make([]string, len(knownCategories))
	copy(out, knownCategories)
	return out
}

// SetFilter sets the category filter for logging.
// The filter can be a single category or comma-separated list.
// Empty string means log all categories. Matching is case-insensitive.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)

	if filter == "" {
		return // Empty filter = log all
	}

	for _, c := range strings.Split(filter, ",") {
		c = strings.TrimSpace(strings.ToLower(c))
		if c != "" {
			l.filters[c] = true
		}
	}

	if len(l.filters) > 0 {
		filterList := make([]string, 0, len(l.filters))
		for c := range l.filters {
			filterList = append(filterList, c)
		}
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.file, "%s [DEBUG] Filtering enabled for categories: %s\n",
			timestamp, strings.Join(filterList, ", "))
	}
}

// shouldLog returns true if the category should be logged based on current filter.
// Must be called with l.mu held.
func (l *DebugLogger) shouldLog(category string) bool {
	if len(l.filters) == 0 {
		return true
	}

	lower := strings.ToLower(category)
	if l.filters[lower] {
		return true
	}

	// Always allow DEBUG messages (for header/footer)
	return lower == "debug"
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// DebugLog writes to the global debug logger if one is set.
func DebugLog(category, format string, args ...interface{}) {
	globalDebugMu.RLock()
	logger := globalDebugLogger
	globalDebugMu.RUnlock()
	logger.Log(category, format, args...)
}

// Log writes a formatted message with timestamp and category prefix.
func (l *DebugLogger) Log(category, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	if !l.shouldLog(category) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s [%s] %s\n", timestamp, category, msg)
}

// Close writes a footer and closes the debug log file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.file, "%s [DEBUG] Debug logging stopped\n", timestamp)

	l.closed = true
	return l.file.Close()
}
