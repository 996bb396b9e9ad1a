package freesound

import (
	"bytes"
	"encoding/json"
)

// Sound is a sound as represented by the Freesound API.
type Sound struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Duration    float64           `json:"duration"`
	Tags        []string          `json:"tags,omitempty"`
	Type        string            `json:"type,omitempty"` // wav, mp3, ogg, flac, ...
	Username    string            `json:"username,omitempty"`
	Download    string            `json:"download,omitempty"`
	Previews    map[string]string `json:"previews,omitempty"`
}

// SearchResponse is one page of a text search.
type SearchResponse struct {
	Count    int     `json:"count"`
	Next     string  `json:"next,omitempty"`
	Previous string  `json:"previous,omitempty"`
	Results  []Sound `json:"results"`
}

// PendingUpload is an entry of the pending uploads listing.
type PendingUpload struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// UnmarshalJSON accepts either an object or a bare filename; the API lists
// sounds still waiting for a description by filename only.
func (p *PendingUpload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*p = PendingUpload{Name: name}
		return nil
	}
	type plain PendingUpload
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = PendingUpload(v)
	return nil
}

// PendingUploads lists the authenticated user's sounds that are not yet public.
type PendingUploads struct {
	PendingDescription []PendingUpload `json:"pending_description"`
	PendingProcessing  []PendingUpload `json:"pending_processing"`
	PendingModeration  []PendingUpload `json:"pending_moderation"`
}

// IDSet collects the non-zero ids of a pending listing.
func IDSet(uploads []PendingUpload) map[int64]bool {
	ids := make(map[int64]bool, len(uploads))
	for _, u := range uploads {
		if u.ID != 0 {
			ids[u.ID] = true
		}
	}
	return ids
}

// UploadRequest describes a new sound.
type UploadRequest struct {
	AudioFile   []byte
	FileName    string
	ContentType string
	Name        string
	Tags        []string
	Description string
	License     string
	BSTCategory string
}

// UploadResponse is returned when Freesound accepts an upload.
type UploadResponse struct {
	ID     int64  `json:"id"`
	Detail string `json:"detail,omitempty"`
}

// EditRequest carries the editable description fields of a sound.
type EditRequest struct {
	Name        string
	Description string
}

// User is the authenticated account.
type User struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	URL      string `json:"url,omitempty"`
	Sounds   string `json:"sounds,omitempty"`
}
