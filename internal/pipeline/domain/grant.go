package domain

import "time"

// ArtifactGrant 定義一次性的上傳授權
// A capability allowing the client to write exactly one object, constrained
// by size range and content-type prefix, valid only until ExpiresAt. It is
// never revoked, it simply becomes invalid.
type ArtifactGrant struct {
	URL       string            `json:"url"`
	Fields    map[string]string `json:"fields"`
	ObjectKey string            `json:"-"`
	ExpiresAt time.Time         `json:"-"`
}
