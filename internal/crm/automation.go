package crm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultBulkConcurrency = 4

// BulkOutcome records the result of one item in a bulk operation.
type BulkOutcome struct {
	PersonID string `json:"personId"`
	Op       string `json:"op"`
	Err      error  `json:"-"`
}

// DuplicateGroup is a set of people sharing one normalized identity.
type DuplicateGroup struct {
	Key    string   `json:"key"`
	Kind   string   `json:"kind"` // "email" or "phone"
	People []Person `json:"people"`
}

// Automation runs bulk operations over full people listings. Every bulk
// helper tolerates partial failure: each item's outcome is recorded and the
// scan continues.
type Automation struct {
	crm         *Client
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// AutomationOption configures an Automation.
type AutomationOption func(*Automation)

// WithConcurrency bounds how many mutations run at once.
func WithConcurrency(n int) AutomationOption {
	return func(a *Automation) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithAutomationLogger sets the logger.
func WithAutomationLogger(l *slog.Logger) AutomationOption {
	return func(a *Automation) { a.logger = l }
}

func withAutomationClock(now func() time.Time) AutomationOption {
	return func(a *Automation) { a.now = now }
}

// NewAutomation creates bulk helpers on top of a CRM client.
func NewAutomation(c *Client, opts ...AutomationOption) *Automation {
	a := &Automation{
		crm:         c,
		concurrency: defaultBulkConcurrency,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// forEach walks the listing and applies fn to every person with bounded
// concurrency, collecting one outcome per item. Item failures never abort
// the walk; only a listing failure does.
func (a *Automation) forEach(ctx context.Context, filter ListFilter, op string, fn func(Person) error) ([]BulkOutcome, error) {
	var (
		mu       sync.Mutex
		outcomes []BulkOutcome
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	iter := a.crm.AllPeople(filter)
	for iter.Next(ctx) {
		p := iter.Person()
		g.Go(func() error {
			err := fn(p)
			if err != nil {
				a.logger.Warn("bulk item failed",
					slog.String("op", op),
					slog.String("person_id", p.ID),
					slog.Any("error", err))
			}
			mu.Lock()
			outcomes = append(outcomes, BulkOutcome{PersonID: p.ID, Op: op, Err: err})
			mu.Unlock()
			return nil
		})
		if gctx.Err() != nil {
			break
		}
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	if err := iter.Err(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// BulkAddTag tags every person matching the filter.
func (a *Automation) BulkAddTag(ctx context.Context, filter ListFilter, tag string) ([]BulkOutcome, error) {
	return a.forEach(ctx, filter, "tag:"+tag, func(p Person) error {
		return a.crm.AddTag(ctx, p.ID, tag)
	})
}

// BulkUpdateStage moves every person matching the filter to a new stage.
func (a *Automation) BulkUpdateStage(ctx context.Context, filter ListFilter, stage string) ([]BulkOutcome, error) {
	return a.forEach(ctx, filter, "stage:"+stage, func(p Person) error {
		return a.crm.UpdateStage(ctx, p.ID, stage)
	})
}

// ProgressStaleLeads advances people sitting in fromStage longer than
// olderThan to toStage. People touched recently are skipped, not reported.
func (a *Automation) ProgressStaleLeads(ctx context.Context, fromStage, toStage string, olderThan time.Duration) ([]BulkOutcome, error) {
	cutoff := a.now().Add(-olderThan)
	return a.forEach(ctx, ListFilter{Stage: fromStage}, "stage:"+toStage, func(p Person) error {
		if p.UpdatedAt.After(cutoff) {
			return nil
		}
		return a.crm.UpdateStage(ctx, p.ID, toStage)
	})
}

// FindDuplicates scans the listing for people sharing an identity. Groups
// are formed by normalized email first, then by normalized phone digits; a
// person already reported in an email group is excluded from the phone pass
// so no group is reported twice.
func (a *Automation) FindDuplicates(ctx context.Context, filter ListFilter) ([]DuplicateGroup, error) {
	var people []Person
	iter := a.crm.AllPeople(filter)
	for iter.Next(ctx) {
		people = append(people, iter.Person())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	var groups []DuplicateGroup
	reported := make(map[string]bool)

	byEmail := make(map[string][]Person)
	var emailKeys []string
	for _, p := range people {
		if e := primaryEmail(p); e != "" {
			if len(byEmail[e]) == 0 {
				emailKeys = append(emailKeys, e)
			}
			byEmail[e] = append(byEmail[e], p)
		}
	}
	for _, key := range emailKeys {
		group := byEmail[key]
		if len(group) < 2 {
			continue
		}
		for _, p := range group {
			reported[p.ID] = true
		}
		groups = append(groups, DuplicateGroup{Key: key, Kind: "email", People: group})
	}

	byPhone := make(map[string][]Person)
	var phoneKeys []string
	for _, p := range people {
		if reported[p.ID] {
			continue
		}
		if ph := primaryPhone(p); ph != "" {
			if len(byPhone[ph]) == 0 {
				phoneKeys = append(phoneKeys, ph)
			}
			byPhone[ph] = append(byPhone[ph], p)
		}
	}
	for _, key := range phoneKeys {
		group := byPhone[key]
		if len(group) < 2 {
			continue
		}
		groups = append(groups, DuplicateGroup{Key: key, Kind: "phone", People: group})
	}

	return groups, nil
}
