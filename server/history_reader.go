// Copyright 2026 The Mewgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
)

// ReadHistorySince tails a space's envelope-history.jsonl, plus any
// lumberjack-rotated siblings, and returns every record whose sequence
// number is greater than afterSequence, in sequence order (spec §4.J
// "readers/replay consume in sequence"). It is meant for external
// tooling reconstructing a space's state and for tests asserting
// delivery ordering; it is not on the hot ingress path so it reopens
// and rescans the files on every call rather than holding a cursor.
func ReadHistorySince(dir string, afterSequence uint64) ([]HistoryRecord, error) {
	paths, err := historyFilesInWriteOrder(dir)
	if err != nil {
		return nil, err
	}

	var records []HistoryRecord
	for _, path := range paths {
		rs, err := readHistoryFile(path)
		if err != nil {
			return nil, err
		}
		records = append(records, rs...)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })

	out := records[:0]
	for _, r := range records {
		if r.Sequence > afterSequence {
			out = append(out, r)
		}
	}
	return out, nil
}

// historyFilesInWriteOrder finds envelope-history.jsonl and its rotated
// backups (lumberjack names them envelope-history-<timestamp>.jsonl)
// and returns them oldest-write-first. Sorting by modification time
// rather than name is deliberate: lumberjack's timestamp suffix does
// sort lexicographically in practice, but the current (unsuffixed)
// file is always the most recently written one regardless of name.
func historyFilesInWriteOrder(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "envelope-history*.jsonl"))
	if err != nil {
		return nil, err
	}

	type fileInfo struct {
		path    string
		modTime int64
	}
	infos := make([]fileInfo, 0, len(matches))
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			continue
		}
		infos = append(infos, fileInfo{path: m, modTime: st.ModTime().UnixNano()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].modTime < infos[j].modTime })

	paths := make([]string, len(infos))
	for i, fi := range infos {
		paths[i] = fi.path
	}
	return paths, nil
}

func readHistoryFile(path string) ([]HistoryRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []HistoryRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec HistoryRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
