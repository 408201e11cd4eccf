package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/Evothesis/server-infrastructure/internal/objectstore"
)

// fallbackListLimit bounds the whole-prefix listing used when no recent
// date prefix holds an export.
const fallbackListLimit = 1000

// verifyEvidence checks the raw bucket for exports. It returns an error when
// there are none or the bucket cannot be read, and a warning when the newest
// export is older than staleAfter.
func (c *Cleaner) verifyEvidence(ctx context.Context, now time.Time) (string, error) {
	newest, err := c.newestRecentExport(ctx, now)
	if err != nil {
		return "", err
	}
	if newest.IsZero() {
		newest, err = c.newestExport(ctx, objectstore.RawPrefix, fallbackListLimit)
		if err != nil {
			return "", err
		}
	}
	if newest.IsZero() {
		return "", ErrNoEvidence
	}

	if age := now.Sub(newest); age > c.staleAfter {
		return fmt.Sprintf("latest raw export is %s old; cleanup may be unsafe", age.Round(time.Minute)), nil
	}
	return "", nil
}

// newestRecentExport looks at the date prefixes covering the staleness
// window, newest day first.
func (c *Cleaner) newestRecentExport(ctx context.Context, now time.Time) (time.Time, error) {
	days := int(c.staleAfter/(24*time.Hour)) + 1
	for d := 0; d <= days; d++ {
		prefix := objectstore.DatePrefix(now.AddDate(0, 0, -d))
		newest, err := c.newestExport(ctx, prefix, 0)
		if err != nil {
			return time.Time{}, err
		}
		if !newest.IsZero() {
			return newest, nil
		}
	}
	return time.Time{}, nil
}

func (c *Cleaner) newestExport(ctx context.Context, prefix string, limit int) (time.Time, error) {
	var listing []objectstore.ObjectInfo
	err := c.policy.Do(ctx, "verify_raw_exports", func(ctx context.Context, _ int) error {
		var err error
		listing, err = c.raw.List(ctx, prefix, limit)
		return err
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("list %s: %w", prefix, err)
	}

	var newest time.Time
	for _, obj := range listing {
		if !objectstore.IsRawObject(obj.Key) {
			continue
		}
		if obj.LastModified.After(newest) {
			newest = obj.LastModified
		}
	}
	return newest, nil
}
