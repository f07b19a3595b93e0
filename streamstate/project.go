package streamstate

import "time"

// StreamerView is the API shape of a streamer. Exactly one of the live field
// set or the last-known field set is populated, decided by IsLive; optional
// fields are pointers so the unused set disappears from the JSON entirely.
type StreamerView struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	IsLive        bool   `json:"is_live"`
	RecordEnabled bool   `json:"record_enabled"`

	Title       *string    `json:"title,omitempty"`
	Category    *string    `json:"category,omitempty"`
	ViewerCount *int64     `json:"viewer_count,omitempty"`
	LiveSince   *time.Time `json:"live_since,omitempty"`

	LastStreamTitle     *string    `json:"last_stream_title,omitempty"`
	LastStreamCategory  *string    `json:"last_stream_category,omitempty"`
	LastStreamThumbnail *string    `json:"last_stream_thumbnail,omitempty"`
	LastStreamEndedAt   *time.Time `json:"last_stream_ended_at,omitempty"`
}

// Project masks a streamer row down to the fields its current state permits.
// Pure: no I/O, no clock, never fails. Every handler that returns streamer
// state must go through here rather than serializing rows.
func Project(s Streamer) StreamerView {
	v := StreamerView{
		ID:            s.ID,
		Username:      s.Username,
		IsLive:        s.IsLive,
		RecordEnabled: s.RecordEnabled,
	}
	if s.IsLive {
		v.Title = optString(s.Title.String, s.Title.Valid)
		v.Category = optString(s.Category.String, s.Category.Valid)
		if s.ViewerCount.Valid {
			n := s.ViewerCount.Int64
			v.ViewerCount = &n
		}
		v.LiveSince = optTime(s.LiveSince.Time, s.LiveSince.Valid)
		return v
	}
	v.LastStreamTitle = optString(s.LastStreamTitle.String, s.LastStreamTitle.Valid)
	v.LastStreamCategory = optString(s.LastStreamCategory.String, s.LastStreamCategory.Valid)
	v.LastStreamThumbnail = optString(s.LastStreamThumbnail.String, s.LastStreamThumbnail.Valid)
	v.LastStreamEndedAt = optTime(s.LastStreamEndedAt.Time, s.LastStreamEndedAt.Valid)
	return v
}

// ProjectAll maps Project over a slice, preserving order.
func ProjectAll(ss []Streamer) []StreamerView {
	out := make([]StreamerView, 0, len(ss))
	for _, s := range ss {
		out = append(out, Project(s))
	}
	return out
}

func optString(s string, valid bool) *string {
	if !valid {
		return nil
	}
	return &s
}

func optTime(t time.Time, valid bool) *time.Time {
	if !valid {
		return nil
	}
	u := t.UTC()
	return &u
}
