package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/banshee-data/shower.reco/internal/fsutil"
	"github.com/banshee-data/shower.reco/internal/monitoring"
	"github.com/banshee-data/shower.reco/internal/shower"
	"github.com/banshee-data/shower.reco/internal/shower/coords"
)

const maxEventLine = 16 * 1024 * 1024

// subarrayFile is the on-disk layout description. Angles are radians,
// positions metres.
type subarrayFile struct {
	Pointing   coords.Pointing               `json:"pointing"`
	Telescopes []coords.TelescopeDescription `json:"telescopes"`
}

func loadSubarray(fsys fsutil.FileSystem, path string) (*coords.Subarray, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read subarray: %w", err)
	}
	var f subarrayFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse subarray %s: %w", path, err)
	}
	sub, err := coords.NewSubarray(f.Telescopes, f.Pointing)
	if err != nil {
		return nil, fmt.Errorf("subarray %s: %w", path, err)
	}
	return sub, nil
}

// readEvents decodes one JSON event per line into out and closes it. Blank
// lines are ignored; malformed lines are logged and counted. Reading stops
// early when ctx is cancelled.
func readEvents(ctx context.Context, r io.Reader, out chan<- *shower.ArrayEvent) (malformed int64, err error) {
	defer close(out)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		ev := shower.NewArrayEvent(0, nil)
		if err := json.Unmarshal(raw, ev); err != nil {
			monitoring.Logf("[input] line %d: %v", line, err)
			malformed++
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return malformed, nil
		}
	}
	if err := sc.Err(); err != nil {
		return malformed, fmt.Errorf("read events: line %d: %w", line+1, err)
	}
	return malformed, nil
}
