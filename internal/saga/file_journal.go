package saga

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileJournal appends serialized run events to a file for durability.
// Each line is one JSON record; Load re-reads the file and filters by run id,
// so a single file can hold the journals of many runs.
type FileJournal struct {
	mu   sync.Mutex
	f    *os.File
	path string
	seqs map[string]int64
}

type fileJournalRecord struct {
	RunID string `json:"run_id"`
	Event
}

// NewFileJournal opens (or creates) the journal file at the given path and
// scans it once to recover per-run sequence counters.
func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	j := &FileJournal{f: f, path: path, seqs: make(map[string]int64)}
	if err := j.scanSeqs(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

func (j *FileJournal) Append(ctx context.Context, runID string, ev Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	ev.Seq = j.seqs[runID] + 1
	data, err := json.Marshal(fileJournalRecord{RunID: runID, Event: ev})
	if err != nil {
		return 0, err
	}

	n, err := j.f.Write(append(data, '\n'))
	if err != nil {
		return 0, err
	}
	if n != len(data)+1 {
		return 0, fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}
	if err := j.f.Sync(); err != nil {
		return 0, err
	}

	j.seqs[runID] = ev.Seq
	return ev.Seq, nil
}

func (j *FileJournal) Load(ctx context.Context, runID string) (events []Event, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec fileJournalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, err
		}
		if rec.RunID == runID {
			events = append(events, rec.Event)
		}
	}
	return events, scanner.Err()
}

// Close releases the underlying file handle.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

func (j *FileJournal) scanSeqs() (err error) {
	file, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var rec fileJournalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return err
		}
		if rec.Seq > j.seqs[rec.RunID] {
			j.seqs[rec.RunID] = rec.Seq
		}
	}
	return scanner.Err()
}
