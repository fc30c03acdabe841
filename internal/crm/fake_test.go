package crm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fakeCRM is an in-memory stand-in for the remote CRM, covering the
// endpoints the client uses plus per-endpoint call counts and failure
// injection for the best-effort paths.
type fakeCRM struct {
	mu     sync.Mutex
	people []Person
	events []Event
	seq    int

	calls    map[string]int
	failTags bool
	failAll  bool
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{calls: map[string]int{}}
}

func (f *fakeCRM) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/people", f.list)
	mux.HandleFunc("POST /v1/people", f.create)
	mux.HandleFunc("GET /v1/people/{id}", f.get)
	mux.HandleFunc("PUT /v1/people/{id}", f.update)
	mux.HandleFunc("DELETE /v1/people/{id}", f.delete)
	mux.HandleFunc("PUT /v1/people/{id}/tags", f.addTags)
	mux.HandleFunc("POST /v1/events", f.createEvent)
	return httptest.NewServer(mux)
}

func (f *fakeCRM) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeCRM) seed(people ...Person) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.people = append(f.people, people...)
}

func (f *fakeCRM) find(id string) int {
	for i, p := range f.people {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (f *fakeCRM) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list"]++
	if f.failAll {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	var matched []Person
	for _, p := range f.people {
		if e := q.Get("email"); e != "" && primaryEmail(p) != e {
			continue
		}
		if ph := q.Get("phone"); ph != "" && primaryPhone(p) != ph {
			continue
		}
		if s := q.Get("stage"); s != "" && p.Stage != s {
			continue
		}
		if tag := q.Get("tag"); tag != "" && !hasTag(p, tag) {
			continue
		}
		matched = append(matched, p)
	}

	start := 0
	if next := q.Get("next"); next != "" {
		start, _ = strconv.Atoi(next)
	}
	limit := len(matched)
	if l := q.Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}

	page := Page{Total: len(matched)}
	if start < len(matched) {
		end := start + limit
		if end > len(matched) {
			end = len(matched)
		}
		page.People = matched[start:end]
		if end < len(matched) {
			page.Next = strconv.Itoa(end)
		}
	}
	json.NewEncoder(w).Encode(page)
}

func (f *fakeCRM) create(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["create"]++

	var in PersonInput
	json.NewDecoder(r.Body).Decode(&in)
	f.seq++
	p := Person{
		ID:        "p" + strconv.Itoa(f.seq),
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Emails:    in.Emails,
		Phones:    in.Phones,
		Stage:     in.Stage,
		Tags:      in.Tags,
		Source:    in.Source,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.people = append(f.people, p)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

func (f *fakeCRM) get(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["get"]++

	i := f.find(r.PathValue("id"))
	if i < 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(f.people[i])
}

func (f *fakeCRM) update(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["update"]++

	i := f.find(r.PathValue("id"))
	if i < 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var patch map[string]json.RawMessage
	json.NewDecoder(r.Body).Decode(&patch)
	p := &f.people[i]
	if raw, ok := patch["firstName"]; ok {
		json.Unmarshal(raw, &p.FirstName)
	}
	if raw, ok := patch["lastName"]; ok {
		json.Unmarshal(raw, &p.LastName)
	}
	if raw, ok := patch["stage"]; ok {
		json.Unmarshal(raw, &p.Stage)
	}
	if raw, ok := patch["emails"]; ok {
		json.Unmarshal(raw, &p.Emails)
	}
	if raw, ok := patch["phones"]; ok {
		json.Unmarshal(raw, &p.Phones)
	}
	p.UpdatedAt = time.Now()
	json.NewEncoder(w).Encode(*p)
}

func (f *fakeCRM) delete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete"]++

	i := f.find(r.PathValue("id"))
	if i < 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	f.people = append(f.people[:i], f.people[i+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeCRM) addTags(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["tags"]++
	if f.failTags {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	i := f.find(r.PathValue("id"))
	if i < 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var body struct {
		Tags []string `json:"tags"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	for _, tag := range body.Tags {
		if !hasTag(f.people[i], tag) {
			f.people[i].Tags = append(f.people[i].Tags, tag)
		}
	}
	json.NewEncoder(w).Encode(f.people[i])
}

func (f *fakeCRM) createEvent(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["events"]++

	var ev Event
	json.NewDecoder(r.Body).Decode(&ev)
	f.events = append(f.events, ev)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ev)
}

func hasTag(p Person, tag string) bool {
	for _, t := range p.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
