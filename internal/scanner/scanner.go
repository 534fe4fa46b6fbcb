// Package scanner discovers audio files under a set of library roots and
// hands them to the feature-extraction pipeline (internal/analysis.Worker
// consumes its output as analysis.TrackInfo).
package scanner

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SupportedExtensions are the audio file extensions the scanner recognizes.
var SupportedExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
	".wav":  true,
	".wma":  true,
	".alac": true,
	".opus": true,
}

// FileInfo is a discovered audio file.
type FileInfo struct {
	Path       string
	Size       int64
	ModifiedAt int64 // Unix timestamp
}

// ScanResult is the result of scanning one library path.
type ScanResult struct {
	LibraryPath string
	Files       []FileInfo
	TotalFiles  int
	ScanTimeMs  int64
	Error       string
}

// ScanStatus reports the current scan state.
type ScanStatus struct {
	Status   string // "idle", "scanning", "complete", "error"
	Progress int    // 0-100
	Message  string
}

// Scanner walks library paths and discovers audio files.
type Scanner struct {
	mu          sync.Mutex
	isRunning   bool
	cancel      context.CancelFunc
	status      ScanStatus
	lastResults []ScanResult
}

// NewScanner creates a new scanner.
func NewScanner() *Scanner {
	return &Scanner{status: ScanStatus{Status: "idle"}}
}

// GetStatus returns the current scan status.
func (s *Scanner) GetStatus() ScanStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// GetLastResults returns the last scan results.
func (s *Scanner) GetLastResults() []ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResults
}

// ClearResults clears the last scan results (after they've been fetched).
func (s *Scanner) ClearResults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResults = nil
	if s.status.Status == "complete" {
		s.status.Status = "idle"
	}
}

// IsRunning returns whether a scan is in progress.
func (s *Scanner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Stop stops any running scan.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.isRunning = false
}

// ScanPaths scans the given library paths for audio files (synchronous).
func (s *Scanner) ScanPaths(ctx context.Context, paths []string) []ScanResult {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return []ScanResult{{Error: "scan already in progress"}}
	}
	s.isRunning = true
	s.status = ScanStatus{Status: "scanning", Progress: 0, Message: "Starting scan..."}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	results := make([]ScanResult, 0, len(paths))
	totalPaths := len(paths)

	for i, path := range paths {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.status = ScanStatus{Status: "idle", Message: "Scan cancelled"}
			s.mu.Unlock()
			return results
		default:
		}

		progress := (i * 100) / totalPaths
		s.mu.Lock()
		s.status = ScanStatus{Status: "scanning", Progress: progress, Message: "Scanning: " + path}
		s.mu.Unlock()

		results = append(results, s.scanPath(ctx, path))
	}

	s.mu.Lock()
	s.status = ScanStatus{Status: "complete", Progress: 100, Message: "Scan complete"}
	s.mu.Unlock()

	return results
}

// ScanPathsAsync starts a background scan and returns immediately.
func (s *Scanner) ScanPathsAsync(ctx context.Context, paths []string) bool {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return false
	}
	s.isRunning = true
	s.status = ScanStatus{Status: "scanning", Progress: 0, Message: "Starting scan..."}
	s.lastResults = nil
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.cancel = nil
			s.mu.Unlock()
		}()

		log.Printf("[SCANNER] Async scan starting for %d paths", len(paths))
		results := make([]ScanResult, 0, len(paths))
		totalPaths := len(paths)
		lastLoggedProgress := -5

		for i, path := range paths {
			select {
			case <-ctx.Done():
				log.Printf("[SCANNER] Scan cancelled")
				s.mu.Lock()
				s.status = ScanStatus{Status: "idle", Message: "Scan cancelled"}
				s.mu.Unlock()
				return
			default:
			}

			progress := (i * 100) / totalPaths
			s.mu.Lock()
			s.status = ScanStatus{Status: "scanning", Progress: progress, Message: "Scanning: " + path}
			s.mu.Unlock()

			if progress >= lastLoggedProgress+5 {
				log.Printf("[SCANNER] Progress %d%%: Scanning files", progress)
				lastLoggedProgress = progress
			}

			result := s.scanPath(ctx, path)
			results = append(results, result)
			log.Printf("[SCANNER] Found %d files in %s", result.TotalFiles, path)
		}

		totalFiles := 0
		for _, r := range results {
			totalFiles += r.TotalFiles
		}

		s.mu.Lock()
		s.lastResults = results
		s.status = ScanStatus{Status: "complete", Progress: 100, Message: "Scan complete"}
		s.mu.Unlock()

		log.Printf("[SCANNER] Async scan complete: %d total files from %d library paths", totalFiles, len(paths))
	}()

	return true
}

// scanPath scans a single library path for audio files.
func (s *Scanner) scanPath(ctx context.Context, libraryPath string) ScanResult {
	start := time.Now()
	result := ScanResult{
		LibraryPath: libraryPath,
		Files:       []FileInfo{},
	}

	info, err := os.Stat(libraryPath)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	if !info.IsDir() {
		result.Error = "path is not a directory"
		return result
	}

	err = filepath.WalkDir(libraryPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip entries we can't access
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != libraryPath {
				return filepath.SkipDir
			}
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !SupportedExtensions[ext] {
			return nil
		}

		fileInfo, err := d.Info()
		if err != nil {
			return nil // Skip files we can't stat
		}

		result.Files = append(result.Files, FileInfo{
			Path:       path,
			Size:       fileInfo.Size(),
			ModifiedAt: fileInfo.ModTime().Unix(),
		})
		return nil
	})

	if err != nil && err != context.Canceled {
		result.Error = err.Error()
	}

	result.TotalFiles = len(result.Files)
	result.ScanTimeMs = time.Since(start).Milliseconds()

	log.Printf("[SCANNER] Discovered %d audio files in %s (%dms)", result.TotalFiles, libraryPath, result.ScanTimeMs)

	return result
}

// ScanPathsStreaming scans paths and sends discovered files via a channel,
// for libraries too large to hold the whole result set in memory.
func (s *Scanner) ScanPathsStreaming(ctx context.Context, paths []string, results chan<- FileInfo) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.cancel = nil
		s.mu.Unlock()
		close(results)
	}()

	for _, libraryPath := range paths {
		info, err := os.Stat(libraryPath)
		if err != nil || !info.IsDir() {
			continue
		}

		err = filepath.WalkDir(libraryPath, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != libraryPath {
					return filepath.SkipDir
				}
				return nil
			}

			ext := strings.ToLower(filepath.Ext(path))
			if !SupportedExtensions[ext] {
				return nil
			}

			fileInfo, err := d.Info()
			if err != nil {
				return nil
			}

			select {
			case results <- FileInfo{
				Path:       path,
				Size:       fileInfo.Size(),
				ModifiedAt: fileInfo.ModTime().Unix(),
			}:
			case <-ctx.Done():
				return ctx.Err()
			}

			return nil
		})

		if err == context.Canceled {
			return err
		}
	}

	return nil
}
