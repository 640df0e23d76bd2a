// Package timeslice records how long each boot phase takes into a compact
// binary log that cmd/timeslice can summarise. Records are grouped by boot
// attempt so one log can hold several boots of the same machine.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x53544250 // "PBTS"
	Version uint32 = 2
)

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

type TimesliceID uint32

const InvalidTimesliceID = TimesliceID(0)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

const (
	SliceFlagLoader SliceFlags = 1 << iota
	SliceFlagKernel
)

func (f SliceFlags) String() string {
	var flags []string
	if f&SliceFlagLoader != 0 {
		flags = append(flags, "loader")
	}
	if f&SliceFlagKernel != 0 {
		flags = append(flags, "kernel")
	}
	return strings.Join(flags, ",")
}

// ParseSliceFlags is the inverse of SliceFlags.String.
func ParseSliceFlags(s string) (SliceFlags, error) {
	var f SliceFlags
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "loader":
			f |= SliceFlagLoader
		case "kernel":
			f |= SliceFlagKernel
		case "":
		default:
			return 0, fmt.Errorf("timeslice: unknown flag %q", part)
		}
	}
	return f, nil
}

var kinds = make(map[TimesliceID]SliceInfo)

// RegisterKind must only be called from package initialisation.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{Name: name, Flags: flags}
	return id
}

// wire format of one record
type record struct {
	ID       TimesliceID
	Boot     uint32
	Duration int64
}

// Session is an open recording.
type Session struct {
	mu   sync.Mutex
	w    *bufio.Writer
	boot uint32
	err  error
}

var current atomic.Pointer[Session]

// StartRecording writes the header and the registered kinds to w and routes
// every later Record call to it until the session is closed.
func StartRecording(w io.Writer) (*Session, error) {
	s := &Session{w: bufio.NewWriter(w)}
	if !current.CompareAndSwap(nil, s) {
		return nil, errors.New("timeslice: already recording")
	}

	encoded, err := json.Marshal(kinds)
	if err == nil {
		err = binary.Write(s.w, binary.LittleEndian, header{
			Magic:      Magic,
			Version:    Version,
			KindsBytes: uint32(len(encoded)),
		})
	}
	if err == nil {
		_, err = s.w.Write(encoded)
	}
	if err != nil {
		current.Store(nil)
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	return s, nil
}

// BeginBoot starts a new boot attempt; later records carry its number.
// Without a session it does nothing.
func BeginBoot() {
	if s := current.Load(); s != nil {
		s.mu.Lock()
		s.boot++
		s.mu.Unlock()
	}
}

func (s *Session) write(id TimesliceID, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = binary.Write(s.w, binary.LittleEndian, record{ID: id, Boot: s.boot, Duration: d.Nanoseconds()})
}

// Close flushes the log and reports the first write error.
func (s *Session) Close() error {
	if !current.CompareAndSwap(s, nil) {
		return errors.New("timeslice: already closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = s.w.Flush()
	}
	if s.err != nil {
		return fmt.Errorf("timeslice: write records: %w", s.err)
	}
	return nil
}

// Record is a no-op unless a recording is in progress.
func Record(id TimesliceID, duration time.Duration) {
	if s := current.Load(); s != nil {
		s.write(id, duration)
	}
}

// Recorder measures consecutive phases. It is not safe for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record attributes the time since the previous call to id.
func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Entry is one decoded record.
type Entry struct {
	Kind     string
	Flags    SliceFlags
	Boot     uint32
	Duration time.Duration
}

// ReadAllRecords calls fn for every record in r, in recording order.
func ReadAllRecords(r io.Reader, fn func(Entry) error) error {
	buf := bufio.NewReader(r)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[TimesliceID]SliceInfo
	if err := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsBytes))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(Entry{Kind: kind.Name, Flags: kind.Flags, Boot: rec.Boot, Duration: time.Duration(rec.Duration)}); err != nil {
			return err
		}
	}
}

// Summary aggregates every record of one phase across boots.
type Summary struct {
	Name  string
	Flags SliceFlags
	Count int
	Boots int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration

	boots map[uint32]struct{}
}

func (s *Summary) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

func (s *Summary) add(e Entry) {
	s.Count++
	s.Sum += e.Duration
	if s.Count == 1 || e.Duration < s.Min {
		s.Min = e.Duration
	}
	if e.Duration > s.Max {
		s.Max = e.Duration
	}
	s.boots[e.Boot] = struct{}{}
	s.Boots = len(s.boots)
}

// Summarize reads r and returns one Summary per phase, ordered by the
// phase's first appearance.
func Summarize(r io.Reader) ([]*Summary, error) {
	byName := map[string]*Summary{}
	first := map[string]int{}
	n := 0
	err := ReadAllRecords(r, func(e Entry) error {
		s, ok := byName[e.Kind]
		if !ok {
			s = &Summary{Name: e.Kind, Flags: e.Flags, boots: map[uint32]struct{}{}}
			byName[e.Kind] = s
			first[e.Kind] = n
		}
		n++
		s.add(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Summary, 0, len(byName))
	for _, s := range byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return first[out[i].Name] < first[out[j].Name] })
	return out, nil
}
