// Package directory keeps the list of registered game servers, their
// reachability and their measured round-trip time.
package directory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/1ureka/gamelink/internal/protocol"
)

var (
	ErrNotRegistered   = errors.New("directory: connection has no entry")
	ErrBadRegistration = errors.New("directory: invalid registration")
)

// Visibility is the reachability class assigned by the prober.
type Visibility string

const (
	VisibilityUnknown Visibility = "unknown"
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Entry is one registered game as exposed by list and search.
type Entry struct {
	ID         string         `json:"id"`
	Address    string         `json:"address"`
	Port       int            `json:"port"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Visibility Visibility     `json:"visibility"`
	Ping       *int64         `json:"ping"`
	Session    string         `json:"session,omitempty"`
}

// Registration is the data of a register envelope.
type Registration struct {
	Address  string         `json:"address"`
	Port     int            `json:"port"`
	Metadata map[string]any `json:"metadata"`
}

// ParseRegistration decodes and checks the data of a register envelope.
func ParseRegistration(data json.RawMessage) (Registration, error) {
	var reg Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, fmt.Errorf("%w: %v", ErrBadRegistration, err)
	}
	if reg.Address == "" || reg.Port <= 0 || reg.Port > 65535 {
		return reg, fmt.Errorf("%w: address %q port %d", ErrBadRegistration, reg.Address, reg.Port)
	}
	return reg, nil
}

// Pinger receives liveness probes.
type Pinger interface {
	Send(*protocol.Envelope) error
}

type record struct {
	seq   uint64
	entry Entry
	conn  Pinger

	inFlight  bool
	pingStart time.Time
}

// Directory is safe for concurrent use. Entries are keyed by the id of the
// connection that registered them and live as long as that connection.
type Directory struct {
	mu      sync.Mutex
	seq     uint64
	records map[string]*record
}

func New() *Directory {
	return &Directory{records: make(map[string]*record)}
}

// Register creates or replaces the entry of connection id. A replaced entry
// loses its visibility and ping; the caller re-probes it.
func (d *Directory) Register(id string, conn Pinger, reg Registration, session string) Entry {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	rec := &record{
		seq:  d.seq,
		conn: conn,
		entry: Entry{
			ID:         id,
			Address:    reg.Address,
			Port:       reg.Port,
			Metadata:   copyMap(reg.Metadata),
			Visibility: VisibilityUnknown,
			Session:    session,
		},
	}
	if old, ok := d.records[id]; ok {
		rec.seq = old.seq
	}
	d.records[id] = rec
	return cloneEntry(rec.entry)
}

// Update merges partial details into the entry: address and port replace
// the advertised endpoint, every other key is written into the metadata and
// a null value deletes it.
func (d *Directory) Update(id string, details json.RawMessage) (Entry, error) {
	var fields map[string]any
	if err := json.Unmarshal(details, &fields); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrBadRegistration, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[id]
	if !ok {
		return Entry{}, ErrNotRegistered
	}

	e := &rec.entry
	for k, v := range fields {
		switch k {
		case "address":
			if s, ok := v.(string); ok && s != "" {
				e.Address = s
			}
		case "port":
			if n, ok := v.(float64); ok && n > 0 && n <= 65535 {
				e.Port = int(n)
			}
		default:
			if e.Metadata == nil {
				e.Metadata = make(map[string]any)
			}
			if v == nil {
				delete(e.Metadata, k)
			} else {
				e.Metadata[k] = v
			}
		}
	}
	return cloneEntry(*e), nil
}

// SetVisibility records the prober's verdict. It reports false when the
// entry is gone or was re-registered at another endpoint meanwhile.
func (d *Directory) SetVisibility(id, address string, port int, v Visibility) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[id]
	if !ok || rec.entry.Address != address || rec.entry.Port != port {
		return false
	}
	rec.entry.Visibility = v
	return true
}

// Remove deletes the entry of connection id, if any.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.records[id]
	delete(d.records, id)
	return ok
}

// Get returns a copy of one entry.
func (d *Directory) Get(id string) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[id]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(rec.entry), true
}

// Len returns the number of entries.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// List returns every entry in registration order.
func (d *Directory) List() []Entry {
	return d.Search(nil, "")
}

// Search returns the entries whose metadata equals every value in filter
// (compared as text) and, when query is set, that contain query in any
// string field, case-insensitively.
func (d *Directory) Search(filter map[string]string, query string) []Entry {
	d.mu.Lock()
	recs := make([]*record, 0, len(d.records))
	for _, rec := range d.records {
		if matches(rec.entry, filter, query) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, cloneEntry(rec.entry))
	}
	d.mu.Unlock()
	return out
}

func matches(e Entry, filter map[string]string, query string) bool {
	for k, want := range filter {
		v, ok := e.Metadata[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	if query == "" {
		return true
	}

	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(e.Address), q) {
		return true
	}
	for _, v := range e.Metadata {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

func cloneEntry(e Entry) Entry {
	e.Metadata = copyMap(e.Metadata)
	if e.Ping != nil {
		p := *e.Ping
		e.Ping = &p
	}
	return e
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
