package models

// Entity is implemented by the typed payloads of each record kind.
type Entity interface {
	Table() Table
	Fields() map[string]interface{}
}

// Journal is a free-form journal entry.
type Journal struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Mood    string   `json:"mood,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

func (Journal) Table() Table { return TableJournals }

func (j Journal) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"title":   j.Title,
		"content": j.Content,
	}
	if j.Mood != "" {
		f["mood"] = j.Mood
	}
	if len(j.Tags) > 0 {
		tags := make([]interface{}, len(j.Tags))
		for i, t := range j.Tags {
			tags[i] = t
		}
		f["tags"] = tags
	}
	return f
}

// Checkin is an emotional check-in. Intensity runs from 1 to 10.
type Checkin struct {
	Emotion   string `json:"emotion"`
	Intensity int    `json:"intensity"`
	Note      string `json:"note,omitempty"`
}

func (Checkin) Table() Table { return TableCheckins }

func (c Checkin) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"emotion":   c.Emotion,
		"intensity": c.Intensity,
	}
	if c.Note != "" {
		f["note"] = c.Note
	}
	return f
}

// MeditationSession records a completed (or abandoned) meditation.
type MeditationSession struct {
	ModuleID        string `json:"module_id"`
	DurationSeconds int    `json:"duration_seconds"`
	Completed       bool   `json:"completed"`
	CompletedAt     int64  `json:"completed_at,omitempty"` // unix millis
}

func (MeditationSession) Table() Table { return TableMeditations }

func (m MeditationSession) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"module_id":        m.ModuleID,
		"duration_seconds": m.DurationSeconds,
		"completed":        m.Completed,
	}
	if m.CompletedAt > 0 {
		f["completed_at"] = m.CompletedAt
	}
	return f
}

// Note is a private scratch note. Notes have no remote table.
type Note struct {
	Body string `json:"body"`
}

func (Note) Table() Table { return TableNotes }

func (n Note) Fields() map[string]interface{} {
	return map[string]interface{}{"body": n.Body}
}

// Profile holds the user's editable profile fields.
type Profile struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

func (Profile) Table() Table { return TableProfiles }

func (p Profile) Fields() map[string]interface{} {
	f := map[string]interface{}{"display_name": p.DisplayName}
	if p.AvatarURL != "" {
		f["avatar_url"] = p.AvatarURL
	}
	if p.Timezone != "" {
		f["timezone"] = p.Timezone
	}
	return f
}

// CachedModule is a locally cached copy of remote meditation content.
type CachedModule struct {
	ModuleID string `json:"module_id"`
	Title    string `json:"title"`
	AudioURL string `json:"audio_url,omitempty"`
	Payload  string `json:"payload,omitempty"`
}

func (CachedModule) Table() Table { return TableCachedModules }

func (c CachedModule) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"module_id": c.ModuleID,
		"title":     c.Title,
	}
	if c.AudioURL != "" {
		f["audio_url"] = c.AudioURL
	}
	if c.Payload != "" {
		f["payload"] = c.Payload
	}
	return f
}
