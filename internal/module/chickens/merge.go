package chickens

import (
	"time"

	"github.com/smartcoop/coop-simulator/internal/protocol"
)

// serverTag extracts the tag of a backend chicken: assignedTagId, else
// the first entry of tags.
func serverTag(m map[string]any) string {
	if tag := protocol.StringField(m, "assignedTagId", ""); tag != "" {
		return tag
	}
	tags, _ := m["tags"].([]any)
	if len(tags) == 0 {
		return ""
	}
	first, _ := tags[0].(map[string]any)
	return protocol.StringField(first, "tagId", "")
}

// fromServer converts a backend chicken into a synced registry entry.
// AddedDate stays empty when the backend sent no createdAt.
func fromServer(m map[string]any, tagID string) Chicken {
	sid := protocol.StringField(m, "id", "")
	return Chicken{
		ID:        "server_" + sid,
		ServerID:  sid,
		Name:      protocol.StringField(m, "name", "Slepice #"+sid),
		TagID:     tagID,
		CoopID:    protocol.StringField(m, "coopId", ""),
		AddedDate: protocol.StringField(m, "createdAt", ""),
		Location:  protocol.StringField(m, "location", LocationOutside),
		Synced:    true,
	}
}

// Merge reconciles the local flock with the backend list for coopID and
// returns the result.
//
// Entries are keyed by tag id; backend entries without a tag are
// skipped. When both sides know a tag the backend identity wins but the
// local daily egg counter and last egg time are kept. Local-only entries
// survive when they belong to coopID or were never synced (they are then
// marked unsynced); local-only entries of another coop are dropped.
// Backend-only entries are appended. Merging the same list twice yields
// the same flock.
func (r *Registry) Merge(server []map[string]any, coopID string) []Chicken {
	now := r.now()
	serverByTag := make(map[string]Chicken, len(server))
	var order []string
	for _, m := range server {
		tag := serverTag(m)
		if tag == "" {
			r.env.Logger.Debug("server chicken without tag skipped", "name", protocol.StringField(m, "name", ""))
			continue
		}
		if _, dup := serverByTag[tag]; !dup {
			order = append(order, tag)
		}
		serverByTag[tag] = fromServer(m, tag)
	}

	r.mu.Lock()
	merged := make([]Chicken, 0, len(r.chickens)+len(serverByTag))
	seen := make(map[string]struct{}, len(r.chickens))
	for _, local := range r.chickens {
		if _, dup := seen[local.TagID]; dup {
			continue
		}
		if remote, ok := serverByTag[local.TagID]; ok {
			remote.EggsToday = local.EggsToday
			remote.LastEggTime = local.LastEggTime
			if remote.AddedDate == "" {
				remote.AddedDate = local.AddedDate
			}
			merged = append(merged, remote)
			seen[local.TagID] = struct{}{}
			continue
		}
		if local.CoopID == coopID || !local.Synced {
			local.Synced = false
			if local.CoopID == "" {
				local.CoopID = coopID
			}
			merged = append(merged, local)
			seen[local.TagID] = struct{}{}
			continue
		}
		r.env.Logger.Debug("dropping chicken of another coop", "name", local.Name, "coop_id", local.CoopID)
	}
	for _, tag := range order {
		if _, ok := seen[tag]; !ok {
			remote := serverByTag[tag]
			if remote.AddedDate == "" {
				remote.AddedDate = now.UTC().Format(time.RFC3339Nano)
			}
			merged = append(merged, remote)
			seen[tag] = struct{}{}
		}
	}
	r.chickens = merged
	for tag := range r.inside {
		if _, ok := seen[tag]; !ok {
			delete(r.inside, tag)
		}
	}
	r.coopID = coopID
	out := append([]Chicken(nil), merged...)
	r.mu.Unlock()

	r.save()
	r.env.Logger.Info("flock merged with server", "server", len(serverByTag), "total", len(out))
	return out
}
