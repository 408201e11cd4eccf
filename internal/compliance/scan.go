package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Evothesis/server-infrastructure/common/logging"
	"github.com/Evothesis/server-infrastructure/internal/objectstore"
)

// dayCloseGrace is how long after midnight UTC a day's prefix may still
// receive exports from passes that started before it.
const dayCloseGrace = time.Hour

const dayLayout = "2006-01-02"

// scanState is persisted in the raw bucket between passes.
//
// Every raw object on a day before Day is processed or rejected. ResumeAfter
// is the last key the previous pass inspected when it stopped early; the
// next pass starts after it and wraps around.
type scanState struct {
	Day         string    `json:"day"`
	ResumeAfter string    `json:"resume_after,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// segment is the part of one day's listing a scan inspects: keys in
// (after, until]. Empty bounds are open.
type segment struct {
	day   time.Time
	after string
	until string
}

func (s segment) whole() bool { return s.after == "" && s.until == "" }

func (s segment) contains(key string) bool {
	return (s.after == "" || key > s.after) && (s.until == "" || key <= s.until)
}

type scan struct {
	p         *Processor
	found     []string
	inspected int
	last      string
}

func (s *scan) full() bool {
	return len(s.found) >= s.p.batchSize ||
		(s.p.scanLimit > 0 && s.inspected >= s.p.scanLimit)
}

// findUnprocessed returns up to batchSize raw keys that are neither
// finished nor freshly claimed. Days before the persisted watermark are
// never listed; the rest are walked oldest first, one date prefix at a time.
func (p *Processor) findUnprocessed(ctx context.Context) ([]string, error) {
	log := p.logger.WithContext(ctx)
	today := utcDay(p.now())

	state := p.loadScanState(ctx)
	start, err := time.Parse(dayLayout, state.Day)
	if err != nil {
		var ok bool
		start, ok, err = p.oldestRawDay(ctx)
		if err != nil || !ok {
			return nil, err
		}
		state.ResumeAfter = ""
	}
	if start.After(today) {
		start = today
	}

	s := &scan{p: p}
	watermark := start
	for _, seg := range planSegments(start, today, state.ResumeAfter) {
		if s.full() {
			break
		}
		complete, err := s.scanSegment(ctx, seg)
		if err != nil {
			return nil, err
		}
		if seg.day.Equal(watermark) && seg.whole() && complete && p.dayClosed(seg.day) {
			watermark = watermark.AddDate(0, 0, 1)
		}
	}

	next := scanState{Day: watermark.Format(dayLayout), UpdatedAt: p.now().UTC()}
	if s.full() {
		next.ResumeAfter = s.last
	}
	if next.Day != state.Day || next.ResumeAfter != state.ResumeAfter {
		if err := p.saveScanState(ctx, next); err != nil {
			log.Warn("failed to save compliance scan position", logging.Error(err))
		}
	}

	return s.found, nil
}

// planSegments orders the days from start to today. With a resume key the
// walk begins just after it and wraps back to start.
func planSegments(start, today time.Time, resumeAfter string) []segment {
	resumeDay, ok := objectstore.RawKeyDay(resumeAfter)
	if !ok || resumeDay.Before(start) || resumeDay.After(today) {
		var segs []segment
		for d := start; !d.After(today); d = d.AddDate(0, 0, 1) {
			segs = append(segs, segment{day: d})
		}
		return segs
	}

	var segs []segment
	for d := resumeDay; !d.After(today); d = d.AddDate(0, 0, 1) {
		seg := segment{day: d}
		if d.Equal(resumeDay) {
			seg.after = resumeAfter
		}
		segs = append(segs, seg)
	}
	for d := start; !d.After(resumeDay); d = d.AddDate(0, 0, 1) {
		seg := segment{day: d}
		if d.Equal(resumeDay) {
			seg.until = resumeAfter
		}
		segs = append(segs, seg)
	}
	return segs
}

// scanSegment inspects one day's keys in order. It reports whether every
// raw object seen is finished and the scan reached the end of the segment.
func (s *scan) scanSegment(ctx context.Context, seg segment) (bool, error) {
	prefix := objectstore.DatePrefix(seg.day)
	var listing []objectstore.ObjectInfo
	err := s.p.policy.Do(ctx, "raw_list", func(ctx context.Context, _ int) error {
		var err error
		listing, err = s.p.raw.List(ctx, prefix, 0)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("list %s: %w", prefix, err)
	}

	claims := make(map[string]time.Time)
	var keys []string
	for _, obj := range listing {
		if objectstore.IsRawObject(obj.Key) {
			if seg.contains(obj.Key) {
				keys = append(keys, obj.Key)
			}
			continue
		}
		if source, ok := objectstore.ClaimSource(obj.Key); ok {
			claims[source] = obj.LastModified
		}
	}

	complete := true
	for _, key := range keys {
		if s.full() {
			return false, nil
		}
		if claimedAt, ok := claims[key]; ok && s.p.claimFresh(claimedAt) {
			complete = false
			continue
		}
		s.inspected++
		s.last = key

		info, err := s.p.raw.Head(ctx, key)
		switch {
		case errors.Is(err, objectstore.ErrNotFound):
		case err != nil:
			// Unreadable metadata counts as unprocessed; the download will
			// surface the real error.
			s.p.logger.WithContext(ctx).Warn("failed to read raw object metadata",
				logging.ObjectKey(key), logging.Error(err))
			s.found = append(s.found, key)
			complete = false
		case !isTerminal(info.Metadata):
			s.found = append(s.found, key)
			complete = false
		}
	}
	return complete, nil
}

func (p *Processor) dayClosed(day time.Time) bool {
	return day.Add(24*time.Hour + dayCloseGrace).Before(p.now())
}

// oldestRawDay derives the first day to scan when no position is stored.
func (p *Processor) oldestRawDay(ctx context.Context) (time.Time, bool, error) {
	var listing []objectstore.ObjectInfo
	err := p.policy.Do(ctx, "raw_list", func(ctx context.Context, _ int) error {
		var err error
		listing, err = p.raw.List(ctx, objectstore.RawPrefix, 1)
		return err
	})
	if err != nil {
		return time.Time{}, false, err
	}
	if len(listing) == 0 {
		return time.Time{}, false, nil
	}
	day, ok := objectstore.RawKeyDay(listing[0].Key)
	if !ok {
		return time.Time{}, false, fmt.Errorf("unexpected raw key %q", listing[0].Key)
	}
	return day, true, nil
}

// loadScanState returns the stored position, or the zero state when none
// is stored or it cannot be read.
func (p *Processor) loadScanState(ctx context.Context) scanState {
	var state scanState
	body, _, err := p.raw.Get(ctx, objectstore.ComplianceScanKey)
	switch {
	case errors.Is(err, objectstore.ErrNotFound):
		return state
	case err != nil:
		p.logger.WithContext(ctx).Warn("failed to read compliance scan position, rescanning",
			logging.Error(err))
		return state
	}
	if err := json.Unmarshal(body, &state); err != nil {
		p.logger.WithContext(ctx).Warn("ignoring corrupt compliance scan position",
			logging.Error(err))
		return scanState{}
	}
	return state
}

func (p *Processor) saveScanState(ctx context.Context, state scanState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return p.raw.Put(ctx, objectstore.ComplianceScanKey, body, objectstore.PutOptions{
		ContentType: objectstore.ContentTypeJSON,
	})
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
