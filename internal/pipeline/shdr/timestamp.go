package shdr

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Extractor implements the Timestamp Extractor (spec.md §4.2): it
// parses the first SHDR field into a UTC timestamp plus an optional
// sample-period duration, and maintains the per-source base/offset
// state that relativeTime mode needs across the life of one connection.
type Extractor struct {
	mu sync.Mutex

	ignoreTimestamps bool
	relativeTime     bool
	now              func() time.Time
	log              zerolog.Logger

	haveFirst    bool
	base         time.Time
	firstIsFloat bool
	firstAbs     time.Time
	firstFloat   float64
}

// New returns an Extractor for one adapter session. ignoreTimestamps
// and relativeTime correspond to the like-named configuration keys in
// spec.md §6.4.
func New(ignoreTimestamps, relativeTime bool, log zerolog.Logger) *Extractor {
	return &Extractor{ignoreTimestamps: ignoreTimestamps, relativeTime: relativeTime, now: time.Now, log: log}
}

// SetRelativeTime reconfigures relativeTime mode mid-session, matching
// the Line Connector's "* relativeTime: <bool>" protocol command
// (spec.md §4.10): the next observation on the session re-establishes
// the base/offset pair from scratch.
func (e *Extractor) SetRelativeTime(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.relativeTime = v
	e.haveFirst = false
}

// SetIgnoreTimestamps reconfigures ignoreTimestamps mode mid-session.
func (e *Extractor) SetIgnoreTimestamps(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignoreTimestamps = v
}

// Extract parses the first field of an SHDR line into a timestamp and
// an optional sample-period duration (an "@<seconds>" suffix).
func (e *Extractor) Extract(field string) (ts time.Time, period time.Duration, hasPeriod bool) {
	raw, durRaw, hasPeriod := strings.Cut(field, "@")
	if hasPeriod {
		if secs, err := strconv.ParseFloat(durRaw, 64); err == nil {
			period = time.Duration(secs * float64(time.Second))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ignoreTimestamps || raw == "" {
		return e.now().UTC(), period, hasPeriod
	}
	if e.relativeTime {
		return e.extractRelativeLocked(raw), period, hasPeriod
	}

	if abs, ok := parseAbsolute(raw); ok {
		return abs, period, hasPeriod
	}
	e.log.Warn().Str("timestamp", raw).Msg("invalid timestamp, using now")
	return e.now().UTC(), period, hasPeriod
}

// extractRelativeLocked implements spec.md §4.2's relativeTime
// algorithm: the first observation on a session fixes base=now and
// offset=parse(first); every later timestamp is rebased against that
// pair, whether it arrives absolute or as a floating offset.
func (e *Extractor) extractRelativeLocked(raw string) time.Time {
	if !e.haveFirst {
		e.base = e.now().UTC()
		e.haveFirst = true
		if f, ok := parseFloatOffset(raw); ok {
			e.firstIsFloat = true
			e.firstFloat = f
		} else if abs, ok := parseAbsolute(raw); ok {
			e.firstAbs = abs
		} else {
			e.log.Warn().Str("timestamp", raw).Msg("invalid first relative timestamp, using now as base")
		}
		return e.base
	}

	if e.firstIsFloat {
		if f, ok := parseFloatOffset(raw); ok {
			return e.base.Add(time.Duration((f - e.firstFloat) * float64(time.Second)))
		}
	} else if abs, ok := parseAbsolute(raw); ok {
		return abs.Add(e.base.Sub(e.firstAbs))
	}

	e.log.Warn().Str("timestamp", raw).Msg("invalid timestamp, using now")
	return e.now().UTC()
}

func parseAbsolute(raw string) (time.Time, bool) {
	if !strings.Contains(raw, "T") {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseFloatOffset(raw string) (float64, bool) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
