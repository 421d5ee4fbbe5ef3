package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileLogger is a JSONL file sink: one event per line, append-only, with a
// bounded in-memory cache of recent events for fast queries.
type FileLogger struct {
	file       *os.File
	mu         sync.RWMutex
	fileOpts   FileOptions
	eventCache []Event
	cacheSize  int
}

type FileOptions struct {
	FilePath string `json:"file_path"`
}

// NewFileLogger creates a file-based audit sink.
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}
	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		file:       file,
		fileOpts:   fileOpts,
		eventCache: make([]Event, 0),
		cacheSize:  1000,
	}, nil
}

func (fl *FileLogger) Append(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}
	if _, err = fl.file.WriteString(string(eventJSON) + "\n"); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.updateCache(event)
	return nil
}

func (fl *FileLogger) updateCache(event Event) {
	fl.eventCache = append(fl.eventCache, event)
	if len(fl.eventCache) > fl.cacheSize {
		fl.eventCache = fl.eventCache[len(fl.eventCache)-fl.cacheSize:]
	}
}

func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	events, total, err := fl.readAllEvents()
	if err != nil {
		return QueryResult{}, err
	}

	var filtered []Event
	for _, event := range events {
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}
	// newest first
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})
	hasMore := false
	if options.Limit > 0 && len(filtered) > options.Limit {
		filtered = filtered[:options.Limit]
		hasMore = true
	}
	if filtered == nil {
		filtered = []Event{}
	}
	return QueryResult{
		Events:     filtered,
		TotalCount: total,
		Filtered:   len(filtered),
		HasMore:    hasMore,
	}, nil
}

// PurgeBefore rewrites the log keeping events newer than cutoff plus every
// critical event regardless of age.
func (fl *FileLogger) PurgeBefore(cutoff time.Time) (int, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	events, _, err := fl.readAllEvents()
	if err != nil {
		return 0, err
	}

	var kept []Event
	removed := 0
	for _, event := range events {
		if event.Timestamp.Before(cutoff) && !event.Critical() {
			removed++
			continue
		}
		kept = append(kept, event)
	}
	if removed == 0 {
		return 0, nil
	}

	tmpPath := fl.fileOpts.FilePath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp audit log: %w", err)
	}
	writer := bufio.NewWriter(tmp)
	for _, event := range kept {
		line, err := json.Marshal(event)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, fmt.Errorf("failed to serialize audit event: %w", err)
		}
		if _, err = writer.Write(append(line, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, fmt.Errorf("failed to write audit event: %w", err)
		}
	}
	if err = writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to flush audit log: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close temp audit log: %w", err)
	}

	if fl.file != nil {
		fl.file.Close()
	}
	if err = os.Rename(tmpPath, fl.fileOpts.FilePath); err != nil {
		return 0, fmt.Errorf("failed to replace audit log: %w", err)
	}
	fl.file, err = os.OpenFile(fl.fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return removed, fmt.Errorf("failed to reopen audit log: %w", err)
	}

	// rebuild the cache from what survived
	fl.eventCache = fl.eventCache[:0]
	for _, event := range kept {
		fl.updateCache(event)
	}
	return removed, nil
}

func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.file == nil {
		return nil
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}

// ensureFileOpen reopens the file if a previous Close left it nil.
func (fl *FileLogger) ensureFileOpen() error {
	if fl.file != nil {
		return nil
	}
	file, err := os.OpenFile(fl.fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen audit log file: %w", err)
	}
	fl.file = file
	return nil
}

// readAllEvents loads the full log; lines that fail to parse are skipped so
// one corrupt line cannot take queries down.
func (fl *FileLogger) readAllEvents() ([]Event, int, error) {
	file, err := os.Open(fl.fileOpts.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open audit log for reading: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read audit log: %w", err)
	}
	return events, len(events), nil
}

// parseOptions converts the generic options map into a specific options struct.
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}
	return nil
}
