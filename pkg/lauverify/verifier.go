// Verifies installed game files against the "pkg_version" manifest and repairs broken ones
package lauverify

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/function61/gokit/logex"
	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lautypes"
)

// one line of "pkg_version"
type Entry struct {
	RemoteName string `json:"remoteName"`
	MD5        string `json:"md5"`
	FileSize   int64  `json:"fileSize"`
}

// line-delimited JSON. blank lines are skipped.
func ReadPkgVersion(r io.Reader) ([]Entry, error) {
	entries := []Entry{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		entry := Entry{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("ReadPkgVersion: line %d: %w", lineNo, err)
		}

		if entry.RemoteName == "" {
			return nil, fmt.Errorf("ReadPkgVersion: line %d: empty remoteName", lineNo)
		}

		if _, err := lautypes.JoinInside(".", entry.RemoteName); err != nil {
			return nil, fmt.Errorf("ReadPkgVersion: line %d: %w", lineNo, err)
		}

		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ReadPkgVersion: %w", err)
	}

	return entries, nil
}

func ReadPkgVersionFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ReadPkgVersion(file)
}

type checkResult struct {
	entry Entry
	err   error
}

// returns the entries that need repair, sorted by name. a missing or unreadable file counts
// as broken, only cancellation fails the check. onProgress (may be nil) sees checked counts
// that increase by one per call.
func Check(
	ctx context.Context,
	entries []Entry,
	dir string,
	concurrency int,
	onProgress func(checked int, total int) error,
	logger *log.Logger,
) ([]Entry, error) {
	logl := logex.Levels(logger)

	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan Entry)
	results := make(chan checkResult)

	go func() {
		defer close(jobs)

		for _, entry := range entries {
			select {
			case jobs <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()

	workers := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		workers.Add(1)

		go func() {
			defer workers.Done()

			for entry := range jobs {
				select {
				case results <- checkResult{entry, checkEntry(dir, entry)}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		workers.Wait()
		close(results)
	}()

	// we are the only writer of broken + checked
	broken := []Entry{}
	checked := 0

	for result := range results {
		checked++

		if result.err != nil {
			logl.Debug.Printf("%s: %v", result.entry.RemoteName, result.err)
			broken = append(broken, result.entry)
		}

		if onProgress != nil {
			if err := onProgress(checked, len(entries)); err != nil {
				return nil, err
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if checked != len(entries) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("Check: checked %d of %d entries", checked, len(entries))
	}

	sort.Slice(broken, func(i, j int) bool { return broken[i].RemoteName < broken[j].RemoteName })

	logl.Info.Printf("checked %d files, %d need repair", checked, len(broken))

	return broken, nil
}

// Check() that reports SCANNING_FILES + percentage
func Scan(
	ctx context.Context,
	entries []Entry,
	dir string,
	concurrency int,
	emit lauprogress.Emit,
	logger *log.Logger,
) ([]Entry, error) {
	total := strconv.Itoa(len(entries))

	if err := emit(lauprogress.SetStatus(lauprogress.ScanningFiles, "0", total)); err != nil {
		return nil, err
	}

	return Check(ctx, entries, dir, concurrency, func(checked int, _ int) error {
		if err := emit(lauprogress.SetStatus(lauprogress.ScanningFiles, strconv.Itoa(checked), total)); err != nil {
			return err
		}

		return emit(lauprogress.SetProgressRatio(uint64(checked), uint64(len(entries))))
	}, logger)
}

func checkEntry(dir string, entry Entry) error {
	path, err := lautypes.JoinInside(dir, entry.RemoteName)
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	if info.Size() != entry.FileSize {
		return fmt.Errorf("size mismatch: expected %d, got %d", entry.FileSize, info.Size())
	}

	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return err
	}

	if actual := hex.EncodeToString(hash.Sum(nil)); !strings.EqualFold(actual, entry.MD5) {
		return fmt.Errorf("md5 mismatch: expected %s, got %s", entry.MD5, actual)
	}

	return nil
}
