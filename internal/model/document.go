package model

import "time"

// DocumentSource enumerates where an ingested document came from.
type DocumentSource string

const (
	SourceWebhook      DocumentSource = "webhook"
	SourceWebscrape    DocumentSource = "webscrape"
	SourceAPI          DocumentSource = "api"
	SourceUserUpload   DocumentSource = "user_upload"
	SourceManualUpload DocumentSource = "manual_upload"
	SourceChat         DocumentSource = "chat"
)

// ValidSource reports whether s is a known document source.
func ValidSource(s DocumentSource) bool {
	switch s {
	case SourceWebhook, SourceWebscrape, SourceAPI, SourceUserUpload, SourceManualUpload, SourceChat:
		return true
	}
	return false
}

// Document is one unit of ingested content, immutable once created.
// The embedding is the only field filled in after creation, exactly once
// (computed lazily on first match).
type Document struct {
	ID        string         `json:"id"`
	Source    DocumentSource `json:"source"`
	TenantID  *string        `json:"tenant_id,omitempty"` // nil for global/public documents
	Content   string         `json:"content"`
	Embedding Vector         `json:"embedding,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// TenantScoped reports whether the document is restricted to a single tenant.
// Chat prompts and user uploads match only their owner's criteria; webhook,
// scraped and API documents are matched against every tenant.
func (d *Document) TenantScoped() bool {
	switch d.Source {
	case SourceChat, SourceUserUpload, SourceManualUpload:
		return d.TenantID != nil
	}
	return false
}
