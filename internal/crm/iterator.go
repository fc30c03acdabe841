package crm

import "context"

// PeopleIter walks a people listing page by page, pulling the next page only
// when the current one is exhausted. It is single-pass; restart by calling
// AllPeople again. The walk ends when the remote stops returning a
// continuation cursor.
type PeopleIter struct {
	c      *Client
	filter ListFilter

	buf     []Person
	pos     int
	cursor  string
	started bool
	done    bool
	err     error
	current Person
}

// AllPeople returns an iterator over every person matching the filter.
// Any Cursor on the filter is ignored; the walk always starts from the top.
func (c *Client) AllPeople(filter ListFilter) *PeopleIter {
	filter.Cursor = ""
	return &PeopleIter{c: c, filter: filter}
}

// Next advances to the next person. It returns false at the end of the
// listing or on error; check Err afterwards.
func (i *PeopleIter) Next(ctx context.Context) bool {
	if i.err != nil {
		return false
	}
	for i.pos >= len(i.buf) {
		if i.done {
			return false
		}
		if !i.fetch(ctx) {
			return false
		}
	}
	i.current = i.buf[i.pos]
	i.pos++
	return true
}

func (i *PeopleIter) fetch(ctx context.Context) bool {
	f := i.filter
	f.Cursor = i.cursor
	page, err := i.c.ListPeople(ctx, f)
	if err != nil {
		i.err = err
		return false
	}

	i.buf = page.People
	i.pos = 0
	i.cursor = page.Next
	i.started = true
	// The remote's termination signal is an absent cursor.
	if page.Next == "" {
		i.done = true
	}
	return len(i.buf) > 0 || !i.done
}

// Person returns the current person.
func (i *PeopleIter) Person() Person { return i.current }

// Err returns the first error the walk encountered.
func (i *PeopleIter) Err() error { return i.err }
