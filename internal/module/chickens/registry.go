package chickens

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/topic"
)

const storeName = "chickens"

// Location values.
const (
	LocationInside  = "inside"
	LocationOutside = "outside"
)

var (
	// ErrMissingFields is returned when a chicken has no name or tag.
	ErrMissingFields = errors.New("chickens: name and tag id are required")

	// ErrDuplicateTag is returned when the tag already belongs to a chicken.
	ErrDuplicateTag = errors.New("chickens: tag id already assigned")

	// ErrNotFound is returned for unknown chicken ids or tags.
	ErrNotFound = errors.New("chickens: chicken not found")
)

// Chicken is one bird known to the device.
type Chicken struct {
	ID          string `json:"id"`
	ServerID    string `json:"serverId,omitempty"`
	Name        string `json:"name"`
	TagID       string `json:"tagId"`
	CoopID      string `json:"coopId,omitempty"`
	EggsToday   int    `json:"eggsToday"`
	LastEggTime string `json:"lastEggTime,omitempty"`
	AddedDate   string `json:"addedDate"`
	Location    string `json:"location"`
	Synced      bool   `json:"synced"`
}

// WireID is the chicken id sent in gate and counter events: the server id
// as a number when known, otherwise the local id.
func (c Chicken) WireID() any {
	sid := c.ServerID
	if sid == "" {
		sid = strings.TrimPrefix(c.ID, "server_")
		if sid == c.ID {
			return c.ID
		}
	}
	if n, err := strconv.ParseInt(sid, 10, 64); err == nil {
		return n
	}
	return sid
}

// Counts summarises the flock.
type Counts struct {
	Inside  int `json:"chickensInCoop"`
	Outside int `json:"chickensOutside"`
	Total   int `json:"totalChickens"`
}

// Registry is the flock shared by the gate and counter modules.
//
// All methods are thread-safe.
type Registry struct {
	env *module.Env
	now func() time.Time

	mu       sync.RWMutex
	chickens []Chicken
	inside   map[string]struct{}
	coopID   string
	day      string
}

// NewRegistry creates a registry and loads the persisted flock.
// Persisted entries without a coop are dropped.
func NewRegistry(env *module.Env) *Registry {
	r := &Registry{
		env:    env,
		now:    time.Now,
		inside: make(map[string]struct{}),
	}
	r.day = r.now().Format("2006-01-02")

	var stored []Chicken
	if env.LoadSettings(env.SettingsKey(storeName), &stored) {
		for _, c := range stored {
			if c.CoopID == "" {
				continue
			}
			r.chickens = append(r.chickens, c)
		}
		if dropped := len(stored) - len(r.chickens); dropped > 0 {
			env.Logger.Info("dropped stored chickens without coop", "count", dropped)
		}
	}
	return r
}

// save persists the flock. Callers must not hold mu.
func (r *Registry) save() {
	r.mu.RLock()
	list := append([]Chicken(nil), r.chickens...)
	r.mu.RUnlock()
	r.env.SaveSettings(r.env.SettingsKey(storeName), list)
}

// CoopID returns the coop the registry is bound to.
func (r *Registry) CoopID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coopID
}

// SetCoop binds the registry to a coop. Switching from one coop to
// another clears the flock and the inside set.
func (r *Registry) SetCoop(coopID string) {
	r.mu.Lock()
	changed := r.coopID != "" && r.coopID != coopID
	if changed {
		r.chickens = nil
		r.inside = make(map[string]struct{})
	}
	r.coopID = coopID
	r.mu.Unlock()

	if changed {
		r.env.Logger.Info("coop changed, local flock cleared", "coop_id", coopID)
		r.save()
	}
}

// List returns a copy of the flock with each chicken's location.
func (r *Registry) List() []Chicken {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Chicken, len(r.chickens))
	for i, c := range r.chickens {
		if _, ok := r.inside[c.TagID]; ok {
			c.Location = LocationInside
		} else {
			c.Location = LocationOutside
		}
		out[i] = c
	}
	return out
}

// ByID looks a chicken up by id.
func (r *Registry) ByID(id string) (Chicken, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.chickens {
		if c.ID == id {
			return c, true
		}
	}
	return Chicken{}, false
}

// ByTag looks a chicken up by tag id.
func (r *Registry) ByTag(tagID string) (Chicken, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTagLocked(tagID)
}

func (r *Registry) byTagLocked(tagID string) (Chicken, bool) {
	for _, c := range r.chickens {
		if c.TagID == tagID {
			return c, true
		}
	}
	return Chicken{}, false
}

// IsInside reports whether tagID is in the coop.
func (r *Registry) IsInside(tagID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inside[tagID]
	return ok
}

// Counts returns the inside, outside and total head counts.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inside := len(r.inside)
	total := len(r.chickens)
	return Counts{Inside: inside, Outside: total - inside, Total: total}
}

// Add registers a new local chicken and announces it on the device
// chicken_added topic.
func (r *Registry) Add(name, tagID string) (Chicken, error) {
	name, tagID = strings.TrimSpace(name), strings.TrimSpace(tagID)
	if name == "" || tagID == "" {
		return Chicken{}, ErrMissingFields
	}
	now := r.now()

	r.mu.Lock()
	if existing, ok := r.byTagLocked(tagID); ok {
		r.mu.Unlock()
		r.env.Logger.Warn("tag already assigned", "tag_id", tagID, "chicken", existing.Name)
		return Chicken{}, fmt.Errorf("%w: %s belongs to %s", ErrDuplicateTag, tagID, existing.Name)
	}
	c := Chicken{
		ID:        fmt.Sprintf("local_%d_%s", now.UnixMilli(), randomSuffix()),
		Name:      name,
		TagID:     tagID,
		CoopID:    r.coopID,
		AddedDate: now.UTC().Format(time.RFC3339Nano),
		Location:  LocationOutside,
	}
	r.chickens = append(r.chickens, c)
	r.mu.Unlock()

	r.save()
	r.env.Logger.Info("chicken added", "name", name, "tag_id", tagID)
	r.env.PublishJSON(r.env.DeviceTopic(topic.ChickenAdded), map[string]any{
		"chicken":   c,
		"timestamp": now.UTC().Format(time.RFC3339Nano),
	})
	r.env.Emit("chickens.added", c)
	return c, nil
}

// Remove deletes a chicken. It reports whether one was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	idx := -1
	for i, c := range r.chickens {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.inside, r.chickens[idx].TagID)
	r.chickens = append(r.chickens[:idx], r.chickens[idx+1:]...)
	r.mu.Unlock()

	r.save()
	return true
}

// MarkSynced records that a local chicken now exists on the server.
func (r *Registry) MarkSynced(id, serverID string) (Chicken, error) {
	r.mu.Lock()
	for i := range r.chickens {
		if r.chickens[i].ID != id {
			continue
		}
		r.chickens[i].ServerID = serverID
		r.chickens[i].ID = "server_" + serverID
		r.chickens[i].Synced = true
		c := r.chickens[i]
		r.mu.Unlock()
		r.save()
		return c, nil
	}
	r.mu.Unlock()
	return Chicken{}, ErrNotFound
}

// IncrementEggs adds one egg to a chicken's daily counter.
func (r *Registry) IncrementEggs(id string) (Chicken, error) {
	r.mu.Lock()
	for i := range r.chickens {
		if r.chickens[i].ID != id {
			continue
		}
		r.chickens[i].EggsToday++
		r.chickens[i].LastEggTime = r.now().UTC().Format(time.RFC3339Nano)
		c := r.chickens[i]
		r.mu.Unlock()

		r.save()
		r.env.Logger.Info("egg recorded", "chicken", c.Name, "eggs_today", c.EggsToday)
		return c, nil
	}
	r.mu.Unlock()
	r.env.Logger.Warn("egg for unknown chicken", "chicken_id", id)
	return Chicken{}, ErrNotFound
}

// ResetIfNewDay zeroes every daily egg counter on the first call after
// midnight. It reports whether a reset happened.
func (r *Registry) ResetIfNewDay() bool {
	day := r.now().Format("2006-01-02")
	r.mu.Lock()
	if day == r.day {
		r.mu.Unlock()
		return false
	}
	r.day = day
	for i := range r.chickens {
		r.chickens[i].EggsToday = 0
	}
	r.mu.Unlock()

	r.save()
	r.env.Logger.Info("daily egg counters reset")
	return true
}

// enter moves tagID inside. It reports false when the tag already is.
func (r *Registry) enter(tagID string) (Chicken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inside[tagID]; ok {
		return Chicken{}, false
	}
	r.inside[tagID] = struct{}{}
	c, _ := r.byTagLocked(tagID)
	return c, true
}

// exit moves tagID outside. It reports false when the tag is not inside.
func (r *Registry) exit(tagID string) (Chicken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inside[tagID]; !ok {
		return Chicken{}, false
	}
	delete(r.inside, tagID)
	c, _ := r.byTagLocked(tagID)
	return c, true
}

// pickRandom returns a random chicken inside (or outside) the coop.
func (r *Registry) pickRandom(inside bool) (Chicken, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var pool []Chicken
	for _, c := range r.chickens {
		if _, in := r.inside[c.TagID]; in == inside {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return Chicken{}, false
	}
	return pool[rand.IntN(len(pool))], true
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomSuffix() string {
	b := make([]byte, 9)
	for i := range b {
		b[i] = base36[rand.IntN(len(base36))]
	}
	return string(b)
}

// RandomTag returns a fresh tag id of the form RFID_XXXXXXXX.
func RandomTag() string {
	return fmt.Sprintf("RFID_%08X", rand.Uint32())
}
