// Package seeder fills a row store with synthetic captured events for local
// runs and demos.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/Evothesis/server-infrastructure/internal/models"
)

// DefaultTenants are used when Options.Tenants is empty.
var DefaultTenants = []string{"acme-retail", "northwind-health", "globex-eu"}

var eventTypes = []string{"pageview", "click", "scroll", "form_submit", "session_start", "session_end", "conversion"}

// Options controls generated events.
type Options struct {
	Count   int
	Tenants []string

	// TimeSpread places events evenly, with jitter, over the window ending now.
	TimeSpread time.Duration

	// SensitiveRatio is the fraction of events whose payload carries PII or
	// health fields, so the privacy tiers have something to do.
	SensitiveRatio float64

	// Seed makes output reproducible. Zero picks a random seed.
	Seed int64

	BatchSize int
	Now       func() time.Time
}

// Inserter is the part of the row store the seeder needs.
type Inserter interface {
	Insert(ctx context.Context, events []models.EventRecord) ([]int64, error)
}

// Generator produces synthetic event rows.
type Generator struct {
	faker *gofakeit.Faker
	opts  Options
}

// NewGenerator validates opts and returns a Generator.
func NewGenerator(opts Options) (*Generator, error) {
	if opts.Count < 0 {
		return nil, fmt.Errorf("seeder: count must not be negative, got %d", opts.Count)
	}
	if opts.SensitiveRatio < 0 || opts.SensitiveRatio > 1 {
		return nil, fmt.Errorf("seeder: sensitive ratio must be within [0,1], got %v", opts.SensitiveRatio)
	}
	if len(opts.Tenants) == 0 {
		opts.Tenants = DefaultTenants
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Generator{faker: gofakeit.New(opts.Seed), opts: opts}, nil
}

// Generate returns opts.Count events ordered oldest first.
func (g *Generator) Generate() []models.EventRecord {
	now := g.opts.Now().UTC()
	events := make([]models.EventRecord, 0, g.opts.Count)
	for i := 0; i < g.opts.Count; i++ {
		events = append(events, g.event(g.eventTime(now, i)))
	}
	return events
}

func (g *Generator) eventTime(now time.Time, index int) time.Time {
	spread := g.opts.TimeSpread
	if spread <= 0 || g.opts.Count == 0 {
		return now
	}
	base := float64(spread) / float64(g.opts.Count)
	offset := time.Duration(float64(index)*base + (g.faker.Float64()*2-1)*base*0.4)
	if offset < 0 {
		offset = 0
	}
	if offset > spread {
		offset = spread
	}
	return now.Add(-(spread - offset))
}

func (g *Generator) event(at time.Time) models.EventRecord {
	f := g.faker
	site := f.DomainName()
	path := "/" + f.Word() + "/" + f.Word()
	eventType := f.RandomString(eventTypes)

	payload := models.Payload{
		"referrer": "https://" + f.DomainName() + "/",
		"viewport": map[string]any{"width": f.Number(320, 2560), "height": f.Number(480, 1440)},
		"language": f.LanguageAbbreviation(),
	}
	switch eventType {
	case "click":
		payload["element"] = map[string]any{"tag": f.RandomString([]string{"a", "button", "div"}), "text": f.Sentence(3)}
	case "scroll":
		payload["depth_percent"] = f.Number(0, 100)
	case "form_submit":
		payload["form_id"] = "form-" + f.Word()
	case "conversion":
		payload["value"] = f.Price(5, 500)
		payload["currency"] = f.CurrencyShort()
	}
	if f.Float64() < g.opts.SensitiveRatio {
		g.addSensitive(payload)
	}

	return models.EventRecord{
		EventID:   uuid.MustParse(f.UUID()),
		EventType: eventType,
		TenantID:  f.RandomString(g.opts.Tenants),
		SessionID: "sess_" + f.UUID(),
		VisitorID: "vis_" + f.UUID(),
		SiteID:    site,
		URL:       (&url.URL{Scheme: "https", Host: site, Path: path}).String(),
		Path:      path,
		UserAgent: f.UserAgent(),
		IPAddress: f.IPv4Address(),
		Timestamp: at,
		CreatedAt: at,
		Payload:   payload,
	}
}

// addSensitive mixes in the kinds of fields the privacy tiers redact.
func (g *Generator) addSensitive(p models.Payload) {
	f := g.faker
	p["form_data"] = map[string]any{
		"email":    f.Email(),
		"phone":    f.Phone(),
		"password": f.Password(true, true, true, false, false, 12),
		"name":     f.Name(),
	}
	if f.Bool() {
		p["billing"] = map[string]any{"card_number": f.CreditCard().Number}
	}
	if f.Bool() {
		p["patient_notes"] = "Follow-up for " + f.Word() + " therapy scheduled"
		p["insurance_id"] = f.Numerify("INS-########")
	}
}

// Seed generates events and inserts them in batches. It returns the number
// of rows inserted, which is short of opts.Count only on error.
func Seed(ctx context.Context, store Inserter, opts Options) (int, error) {
	if store == nil {
		return 0, errors.New("seeder: store is required")
	}
	g, err := NewGenerator(opts)
	if err != nil {
		return 0, err
	}

	events := g.Generate()
	inserted := 0
	for start := 0; start < len(events); start += g.opts.BatchSize {
		end := min(start+g.opts.BatchSize, len(events))
		ids, err := store.Insert(ctx, events[start:end])
		inserted += len(ids)
		if err != nil {
			return inserted, fmt.Errorf("seeder: insert batch at %d: %w", start, err)
		}
	}
	return inserted, nil
}
