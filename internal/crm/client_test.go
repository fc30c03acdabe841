package crm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drjanduffy/heyberkshire/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, f *fakeCRM, opts ...Option) *Client {
	t.Helper()
	srv := f.server()
	t.Cleanup(srv.Close)
	opts = append([]Option{WithRetryConfig(fastRetry())}, opts...)
	c, err := New(srv.URL, "test-api-key", opts...)
	require.NoError(t, err)
	return c
}

func newCache(t *testing.T) *resilience.ResponseCache {
	t.Helper()
	cache, err := resilience.NewResponseCache(resilience.CacheConfig{TTL: time.Minute})
	require.NoError(t, err)
	return cache
}

func TestGetPersonCachesReads(t *testing.T) {
	fake := newFakeCRM()
	fake.seed(Person{ID: "p1", FirstName: "Jane", Emails: []Email{{Value: "jane@example.com"}}})
	c := newTestClient(t, fake, WithResponseCache(newCache(t)))

	first, err := c.GetPerson(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Jane", first.FirstName)

	second, err := c.GetPerson(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, fake.count("get"), "second read must come from cache")
}

func TestGetPersonNotFound(t *testing.T) {
	c := newTestClient(t, newFakeCRM())

	_, err := c.GetPerson(context.Background(), "missing")
	assert.True(t, resilience.IsNotFound(err), "remote 404 must surface as not-found, got %v", err)
}

func TestGetPersonEmptyID(t *testing.T) {
	c := newTestClient(t, newFakeCRM())

	_, err := c.GetPerson(context.Background(), "")
	assert.True(t, resilience.IsValidation(err))
}

func TestUpsertTwiceIsOneLogicalLead(t *testing.T) {
	fake := newFakeCRM()
	c := newTestClient(t, fake)

	in := PersonInput{FirstName: "John", LastName: "Doe", Email: "john@example.com"}
	first, created, err := c.UpsertPerson(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := c.UpsertPerson(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, created, "second upsert must update, not create")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, fake.count("create"))
}

func TestUpsertMatchesShorthandVariants(t *testing.T) {
	fake := newFakeCRM()
	c := newTestClient(t, fake)

	first, _, err := c.UpsertPerson(context.Background(), PersonInput{Email: "John@Example.com"})
	require.NoError(t, err)

	second, created, err := c.UpsertPerson(context.Background(), PersonInput{Email: " john@example.com "})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestUpsertInvalidatesListCache(t *testing.T) {
	fake := newFakeCRM()
	c := newTestClient(t, fake, WithResponseCache(newCache(t)))

	filter := ListFilter{Stage: "Lead"}
	_, err := c.ListPeople(context.Background(), filter)
	require.NoError(t, err)
	_, err = c.ListPeople(context.Background(), filter)
	require.NoError(t, err)
	listCalls := fake.count("list")

	_, _, err = c.UpsertPerson(context.Background(), PersonInput{Email: "new@example.com", Stage: "Lead"})
	require.NoError(t, err)

	page, err := c.ListPeople(context.Background(), filter)
	require.NoError(t, err)
	assert.Greater(t, fake.count("list"), listCalls, "listing after upsert must bypass the stale cache")
	assert.Len(t, page.People, 1)
}

func TestFindPersonEmailPrecedence(t *testing.T) {
	fake := newFakeCRM()
	fake.seed(
		Person{ID: "byEmail", Emails: []Email{{Value: "a@b.com"}}},
		Person{ID: "byPhone", Phones: []Phone{{Value: "7025550100"}}},
	)
	c := newTestClient(t, fake)

	p, err := c.FindPerson(context.Background(), "a@b.com", "702-555-0100")
	require.NoError(t, err)
	assert.Equal(t, "byEmail", p.ID, "email must win when both identifiers are given")
}

func TestFindPersonZeroResults(t *testing.T) {
	c := newTestClient(t, newFakeCRM())

	p, err := c.FindPerson(context.Background(), "nobody@example.com", "")
	require.NoError(t, err, "zero matches is not an error")
	assert.Nil(t, p)
}

func TestAddTagInvalidatesCachedPerson(t *testing.T) {
	fake := newFakeCRM()
	fake.seed(Person{ID: "p1", FirstName: "Jane"})
	c := newTestClient(t, fake, WithResponseCache(newCache(t)))

	_, err := c.GetPerson(context.Background(), "p1")
	require.NoError(t, err)

	require.NoError(t, c.AddTag(context.Background(), "p1", "buyer"))

	p, err := c.GetPerson(context.Background(), "p1")
	require.NoError(t, err)
	assert.Contains(t, p.Tags, "buyer", "read after tagging must see the new tag")
	assert.Equal(t, 2, fake.count("get"))
}

func TestUpdateStage(t *testing.T) {
	fake := newFakeCRM()
	fake.seed(Person{ID: "p1", Stage: "Lead"})
	c := newTestClient(t, fake)

	require.NoError(t, c.UpdateStage(context.Background(), "p1", "Hot Prospect"))

	p, err := c.GetPerson(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "Hot Prospect", p.Stage)
}

func TestWriteContextIsSeparatelyLimited(t *testing.T) {
	fake := newFakeCRM()
	fake.seed(Person{ID: "p1"})

	limiter, err := resilience.NewRateLimiter(
		resilience.RateConfig{Limit: 100, Window: time.Hour},
		resilience.WithRateContext(ContextPeopleWrite, resilience.RateConfig{Limit: 1, Window: time.Hour}),
	)
	require.NoError(t, err)

	cfg := fastRetry()
	cfg.MaxAttempts = 1
	c := newTestClient(t, fake, WithRateLimiter(limiter), WithRetryConfig(cfg))

	require.NoError(t, c.UpdateStage(context.Background(), "p1", "Hot"))

	err = c.UpdateStage(context.Background(), "p1", "Cold")
	assert.True(t, errors.Is(err, resilience.ErrRateLimited), "second write must be denied, got %v", err)

	_, err = c.GetPerson(context.Background(), "p1")
	assert.NoError(t, err, "reads run under their own context and stay admitted")
}

func TestCreateEvent(t *testing.T) {
	fake := newFakeCRM()
	c := newTestClient(t, fake)

	err := c.CreateEvent(context.Background(), Event{
		PersonID: "p1",
		Type:     "note",
		Message:  "called back",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.count("events"))
	assert.Equal(t, "note", fake.events[0].Type)
}

func TestCaptureLeadPipeline(t *testing.T) {
	fake := newFakeCRM()
	c := newTestClient(t, fake)

	lead := Lead{
		FirstName: "John",
		LastName:  "Doe",
		Email:     "john@example.com",
		Source:    "homepage",
		Tags:      []string{"buyer"},
	}
	first, err := c.Capture(context.Background(), lead)
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.NotEmpty(t, first.PersonID)
	for _, o := range first.Outcomes {
		assert.NoError(t, o.Err, "op %s", o.Op)
	}

	// Second identical submission dedups onto the existing record, and a
	// failing tag write is reported but does not fail the pipeline.
	fake.failTags = true
	second, err := c.Capture(context.Background(), lead)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.PersonID, second.PersonID)

	var tagOutcome *Outcome
	for i := range second.Outcomes {
		if second.Outcomes[i].Op == "tag:buyer" {
			tagOutcome = &second.Outcomes[i]
		}
	}
	require.NotNil(t, tagOutcome)
	assert.Error(t, tagOutcome.Err, "tag failure must be recorded, not swallowed invisibly")
	assert.True(t, resilience.IsRetryExhausted(tagOutcome.Err))
}

func TestCaptureValidation(t *testing.T) {
	c := newTestClient(t, newFakeCRM())

	_, err := c.Capture(context.Background(), Lead{FirstName: "NoContact"})
	assert.True(t, resilience.IsValidation(err))
}

func TestDeletePerson(t *testing.T) {
	fake := newFakeCRM()
	fake.seed(Person{ID: "p1"})
	c := newTestClient(t, fake)

	require.NoError(t, c.DeletePerson(context.Background(), "p1"))
	_, err := c.GetPerson(context.Background(), "p1")
	assert.True(t, resilience.IsNotFound(err))
}
