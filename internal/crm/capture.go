package crm

import (
	"context"
	"log/slog"

	"github.com/drjanduffy/heyberkshire/internal/resilience"
)

// Capture runs the lead pipeline: dedup lookup, upsert, tagging, event log.
// The upsert is the hard step; a failure there is returned to the caller.
// Tags and the event are best-effort, each recorded as an Outcome so partial
// failure is visible without aborting the pipeline.
func (c *Client) Capture(ctx context.Context, lead Lead) (*CaptureResult, error) {
	if NormalizeEmail(lead.Email) == "" && NormalizePhone(lead.Phone) == "" {
		return nil, resilience.NewError(resilience.KindValidation,
			"lead needs an email or phone", nil)
	}

	person, created, err := c.UpsertPerson(ctx, PersonInput{
		FirstName: lead.FirstName,
		LastName:  lead.LastName,
		Email:     lead.Email,
		Phone:     lead.Phone,
		Source:    lead.Source,
	})
	if err != nil {
		return nil, err
	}

	result := &CaptureResult{
		PersonID: person.ID,
		IsNew:    created,
		Outcomes: []Outcome{{Op: "upsert"}},
	}

	for _, tag := range lead.Tags {
		err := c.AddTag(ctx, person.ID, tag)
		if err != nil {
			c.logger.Warn("lead tag failed",
				slog.String("person_id", person.ID),
				slog.String("tag", tag),
				slog.Any("error", err))
		}
		result.Outcomes = append(result.Outcomes, Outcome{Op: "tag:" + tag, Err: err})
	}

	ev := Event{
		PersonID: person.ID,
		Source:   lead.Source,
		Type:     "lead_captured",
		Message:  lead.Message,
	}
	if err := c.CreateEvent(ctx, ev); err != nil {
		c.logger.Warn("lead event failed",
			slog.String("person_id", person.ID),
			slog.Any("error", err))
		result.Outcomes = append(result.Outcomes, Outcome{Op: "event", Err: err})
	} else {
		result.Outcomes = append(result.Outcomes, Outcome{Op: "event"})
	}

	return result, nil
}
