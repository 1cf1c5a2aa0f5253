package offline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a page (window) known to the registration.
type Client struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controller string    `json:"controller,omitempty"` // generation id, empty when uncontrolled
	Focused    bool      `json:"focused"`
	LastSeen   time.Time `json:"lastSeen"`
}

type Clients struct {
	mu   sync.Mutex
	byID map[string]*Client
	now  func() time.Time
}

func NewClients() *Clients {
	return &Clients{byID: map[string]*Client{}, now: time.Now}
}

// Touch records activity of a client, creating it when id is empty or
// unknown. A new client is controlled by controller from the start.
func (c *Clients) Touch(id, url, controller string) Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.byID[id]
	if !ok {
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		cl = &Client{ID: id, Controller: controller}
		c.byID[id] = cl
	}
	cl.URL = url
	cl.LastSeen = c.now()
	return *cl
}

// Claim puts every known client under the given generation and returns how
// many there are.
func (c *Clients) Claim(generation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.byID {
		cl.Controller = generation
	}
	return len(c.byID)
}

// ControlledBy counts clients controlled by generation.
func (c *Clients) ControlledBy(generation string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cl := range c.byID {
		if cl.Controller == generation {
			n++
		}
	}
	return n
}

// OpenWindow focuses the client showing url, or opens a new one. It reports
// whether a new client was created.
func (c *Clients) OpenWindow(url, controller string) (Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found *Client
	for _, cl := range c.byID {
		cl.Focused = false
		if found == nil && cl.URL == url {
			found = cl
		}
	}
	opened := found == nil
	if opened {
		found = &Client{ID: uuid.NewString(), URL: url, Controller: controller}
		c.byID[found.ID] = found
	}
	found.Focused = true
	found.LastSeen = c.now()
	return *found, opened
}

// Prune forgets clients idle for longer than idle.
func (c *Clients) Prune(idle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-idle)
	n := 0
	for id, cl := range c.byID {
		if cl.LastSeen.Before(cutoff) {
			delete(c.byID, id)
			n++
		}
	}
	return n
}

func (c *Clients) List() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Client, 0, len(c.byID))
	for _, cl := range c.byID {
		out = append(out, *cl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
