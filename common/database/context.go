package database

import (
	"context"
	"sync/atomic"
	"time"
)

// Timeouts bounds row store calls by operation class.
type Timeouts struct {
	Query time.Duration // selects, counts, pings
	Write time.Duration // single-statement writes such as the export mark
	Bulk  time.Duration // batch deletes, seeding, migrations
}

// DefaultTimeouts returns the bounds used until Configure is called.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Query: 5 * time.Second,
		Write: 10 * time.Second,
		Bulk:  30 * time.Second,
	}
}

var current atomic.Pointer[Timeouts]

func init() {
	t := DefaultTimeouts()
	current.Store(&t)
}

// Configure replaces the process-wide timeouts. Zero or negative fields
// keep their default.
func Configure(t Timeouts) {
	d := DefaultTimeouts()
	if t.Query > 0 {
		d.Query = t.Query
	}
	if t.Write > 0 {
		d.Write = t.Write
	}
	if t.Bulk > 0 {
		d.Bulk = t.Bulk
	}
	current.Store(&d)
}

// Current returns the timeouts in effect.
func Current() Timeouts {
	return *current.Load()
}

// QueryContext bounds a read.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, current.Load().Query)
}

// WriteContext bounds a single write.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, current.Load().Write)
}

func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, current.Load().Bulk)
}
