// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package record

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"

	"github.com/forkbombeu/avdcapture/internal/fault"
)

var fields = []string{"device_id_str", "new_user", "install_id_str"}

// ParseLine decodes one NDJSON line. lineNo is only used in error messages.
func ParseLine(line []byte, lineNo int) (DeviceRegisterEvent, error) {
	if !gjson.ValidBytes(line) {
		return DeviceRegisterEvent{}, fault.DataIntegrity("line %d is not valid JSON", lineNo)
	}
	res := gjson.GetManyBytes(line, fields...)
	for i, r := range res {
		if !r.Exists() {
			return DeviceRegisterEvent{}, fault.DataIntegrity("line %d: missing %s", lineNo, fields[i])
		}
	}
	newUser, ok := integer(res[1])
	if !ok {
		return DeviceRegisterEvent{}, fault.DataIntegrity("line %d: new_user %s is not an integer", lineNo, res[1].Raw)
	}
	ev := DeviceRegisterEvent{
		DeviceIDStr:  res[0].String(),
		NewUser:      newUser,
		InstallIDStr: res[2].String(),
	}
	if err := ev.Validate(); err != nil {
		return DeviceRegisterEvent{}, fmt.Errorf("line %d: %w", lineNo, err)
	}
	return ev, nil
}

// integer accepts a JSON integer or a quoted digit string.
func integer(r gjson.Result) (int, bool) {
	var raw string
	switch r.Type {
	case gjson.Number:
		raw = r.Raw
	case gjson.String:
		if !isDigits(r.Str) {
			return 0, false
		}
		raw = r.Str
	default:
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

// Scan calls fn for every record in r. Blank lines are skipped.
func Scan(r io.Reader, fn func(DeviceRegisterEvent) error) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := ParseLine(line, lineNo)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadAll loads every record in path. A missing file holds no records.
func ReadAll(path string) ([]DeviceRegisterEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []DeviceRegisterEvent
	err = Scan(f, func(ev DeviceRegisterEvent) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}

// Follow streams records appended to path until ctx is done. With fromStart
// the existing records are delivered first. The file may not exist yet.
func Follow(ctx context.Context, path string, fromStart bool, fn func(DeviceRegisterEvent) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	t := &tail{path: path, fn: fn}
	if !fromStart {
		if err := t.skipExisting(); err != nil {
			return err
		}
	}
	if err := t.readNew(); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := t.readNew(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
}

type tail struct {
	path    string
	fn      func(DeviceRegisterEvent) error
	offset  int64
	lineNo  int
	partial []byte
}

// skipExisting moves past every complete line already in the file, counting
// them so later errors name the real line number. A trailing partial line is
// left for readNew.
func (t *tail) skipExisting() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	end := bytes.LastIndexByte(data, '\n') + 1
	t.offset = int64(end)
	t.lineNo = bytes.Count(data[:end], []byte{'\n'})
	return nil
}

func (t *tail) readNew() error {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() < t.offset {
		// truncated or replaced
		t.offset, t.lineNo, t.partial = 0, 0, nil
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	t.offset += int64(len(data))
	t.partial = append(t.partial, data...)

	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			return nil
		}
		line := bytes.TrimSpace(t.partial[:i])
		t.partial = t.partial[i+1:]
		t.lineNo++
		if len(line) == 0 {
			continue
		}
		ev, err := ParseLine(line, t.lineNo)
		if err != nil {
			return err
		}
		if err := t.fn(ev); err != nil {
			return err
		}
	}
}
