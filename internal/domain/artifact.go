package domain

import "time"

// Artifact is a locally mirrored piece of provider-hosted media.
type Artifact struct {
	Kind       MediaKind `json:"kind"`
	Key        string    `json:"key"`
	SourceURL  string    `json:"source_url"`
	MediaType  string    `json:"media_type"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
}
