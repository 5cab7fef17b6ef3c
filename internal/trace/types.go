// Package trace records hook firings and remote calls as tagged events.
package trace

import (
	"sync"
	"time"
)

// Tag is an event category, stored without the # shown on display.
type Tag string

const (
	Hook      Tag = "hook"
	Prefix    Tag = "prefix"
	Postfix   Tag = "postfix"
	Finalizer Tag = "finalizer"
	Skip      Tag = "skip-original"
	Degraded  Tag = "degraded"
	Invoke    Tag = "invoke"
	Field     Tag = "field"
	Pin       Tag = "pin"
	Unpin     Tag = "unpin"
	Scan      Tag = "rtti"
	Install   Tag = "install"
	Uninstall Tag = "uninstall"
)

type Tags []Tag

func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add appends tag unless present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

type Annotations map[string]string

func (a Annotations) Set(k, v string) {
	a[k] = v
}

func (a Annotations) Get(k string) string {
	return a[k]
}

// Event is one hook firing or remote call.
type Event struct {
	Instance    uint64      // Remote instance address, 0 for statics
	Tags        Tags        // first is primary
	Name        string      // Method or member name (e.g., "App.Person.Greet")
	Detail      string      // Additional detail (e.g., "args=2")
	Annotations Annotations
	Timestamp   time.Time
}

// NewEvent returns an event tagged with category.
func NewEvent(instance uint64, category, name, detail string) *Event {
	return &Event{
		Instance:    instance,
		Tags:        Tags{Tag(category)},
		Name:        name,
		Detail:      detail,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations.Set(k, v)
}

// PrimaryTag returns the first tag for display, or "".
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher derives extra tags from an event before it is stored.
type Enricher func(e *Event)

// DefaultEnricher adds secondary tags from the hook position annotation.
func DefaultEnricher(e *Event) {
	if len(e.Tags) == 0 {
		return
	}

	switch e.Tags[0] {
	case Hook:
		switch e.Annotations.Get("position") {
		case "Prefix":
			e.AddTag(Prefix)
		case "Postfix":
			e.AddTag(Postfix)
		case "Finalizer":
			e.AddTag(Finalizer)
		}
		if e.Annotations.Get("skip") == "true" {
			e.AddTag(Skip)
		}
		if e.Annotations.Get("degraded") == "true" {
			e.AddTag(Degraded)
		}
	}
}

// Collector accumulates events in arrival order.
type Collector struct {
	mu       sync.Mutex
	events   []*Event
	limit    int
	Enricher Enricher
	// OnAdd, when set, sees every event after it is stored.
	OnAdd func(e *Event)
}

// NewCollector keeps at most limit events, dropping the oldest; zero means
// unbounded.
func NewCollector(limit int) *Collector {
	return &Collector{limit: limit, Enricher: DefaultEnricher}
}

// Add enriches and stores e.
func (c *Collector) Add(e *Event) {
	if c.Enricher != nil {
		c.Enricher(e)
	}
	c.mu.Lock()
	c.events = append(c.events, e)
	if c.limit > 0 && len(c.events) > c.limit {
		c.events = c.events[len(c.events)-c.limit:]
	}
	c.mu.Unlock()
	if c.OnAdd != nil {
		c.OnAdd(e)
	}
}

// OnEvent adapts the collector to the logger's event callback.
func (c *Collector) OnEvent(category, name, detail string) {
	c.Add(NewEvent(0, category, name, detail))
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

// Tagged returns the events carrying tag.
func (c *Collector) Tagged(tag Tag) []*Event {
	var out []*Event
	for _, e := range c.Events() {
		if e.Tags.Has(tag) {
			out = append(out, e)
		}
	}
	return out
}
