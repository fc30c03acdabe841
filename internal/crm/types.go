package crm

import "time"

// Email is one email address attached to a person.
type Email struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// Phone is one phone number attached to a person.
type Phone struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// Person is the remote CRM's lead/contact record. The remote system owns it;
// local copies are transient cached reads, never authoritative.
type Person struct {
	ID        string            `json:"id"`
	FirstName string            `json:"firstName"`
	LastName  string            `json:"lastName"`
	Emails    []Email           `json:"emails,omitempty"`
	Phones    []Phone           `json:"phones,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Source    string            `json:"source,omitempty"`
	Custom    map[string]string `json:"customFields,omitempty"`
	CreatedAt time.Time         `json:"created,omitempty"`
	UpdatedAt time.Time         `json:"updated,omitempty"`
}

// PersonInput is the payload for an upsert. Email and Phone are string
// shorthand; normalization folds them into the structured multi-value form
// before the write goes out.
type PersonInput struct {
	FirstName string            `json:"firstName,omitempty"`
	LastName  string            `json:"lastName,omitempty"`
	Email     string            `json:"-"`
	Phone     string            `json:"-"`
	Emails    []Email           `json:"emails,omitempty"`
	Phones    []Phone           `json:"phones,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Source    string            `json:"source,omitempty"`
	Custom    map[string]string `json:"customFields,omitempty"`
}

// Event is a write-once activity record attached to a person.
type Event struct {
	PersonID string            `json:"personId"`
	Source   string            `json:"source,omitempty"`
	Type     string            `json:"type"`
	Message  string            `json:"message,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

// ListFilter narrows a people listing. Cursor continues a previous page;
// Offset is an alternative for remotes without cursors.
type ListFilter struct {
	Email  string
	Phone  string
	Stage  string
	Tag    string
	Limit  int
	Offset int
	Cursor string
}

// Page is one page of a people listing. Next is the continuation cursor,
// empty when the listing is exhausted.
type Page struct {
	People []Person `json:"people"`
	Next   string   `json:"next,omitempty"`
	Total  int      `json:"total,omitempty"`
}

// Lead is an inbound lead-capture submission.
type Lead struct {
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Email     string   `json:"email"`
	Phone     string   `json:"phone"`
	Source    string   `json:"source"`
	Message   string   `json:"message"`
	Tags      []string `json:"tags"`
}

// Outcome records one step of a multi-step pipeline. Err is nil on success;
// best-effort steps record their failure here instead of aborting.
type Outcome struct {
	Op  string `json:"op"`
	Err error  `json:"-"`
}

// OK reports whether the step succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// CaptureResult is the outcome of the lead-capture pipeline.
type CaptureResult struct {
	PersonID string    `json:"leadId"`
	IsNew    bool      `json:"isNew"`
	Outcomes []Outcome `json:"outcomes"`
}
