// Package audit records privileged mutations in an append-only log and
// serves filtered, paginated queries over it.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the closed enumeration of auditable operations.
type Action string

const (
	ActionArticleCreate  Action = "article.create"
	ActionArticleUpdate  Action = "article.update"
	ActionArticleDelete  Action = "article.delete"
	ActionArticleReorder Action = "article.reorder"

	ActionCategoryCreate  Action = "category.create"
	ActionCategoryUpdate  Action = "category.update"
	ActionCategoryDelete  Action = "category.delete"
	ActionCategoryReorder Action = "category.reorder"

	ActionSettingsUpdate Action = "settings.update"

	ActionMemberAdd    Action = "member.add"
	ActionMemberUpdate Action = "member.update"
	ActionMemberRemove Action = "member.remove"

	ActionOwnershipTransfer Action = "ownership.transfer"

	ActionImport Action = "server.import"
	ActionExport Action = "server.export"
)

var validActions = map[Action]struct{}{
	ActionArticleCreate: {}, ActionArticleUpdate: {}, ActionArticleDelete: {}, ActionArticleReorder: {},
	ActionCategoryCreate: {}, ActionCategoryUpdate: {}, ActionCategoryDelete: {}, ActionCategoryReorder: {},
	ActionSettingsUpdate: {},
	ActionMemberAdd:      {}, ActionMemberUpdate: {}, ActionMemberRemove: {},
	ActionOwnershipTransfer: {},
	ActionImport:            {}, ActionExport: {},
}

// ValidAction reports whether a is a known audit action.
func ValidAction(a Action) bool {
	_, ok := validActions[a]
	return ok
}

// EntityType identifies the kind of entity an entry refers to.
type EntityType string

const (
	EntityArticle  EntityType = "article"
	EntityCategory EntityType = "category"
	EntitySettings EntityType = "settings"
	EntityMember   EntityType = "member"
	EntityServer   EntityType = "server"
)

var validEntityTypes = map[EntityType]struct{}{
	EntityArticle: {}, EntityCategory: {}, EntitySettings: {}, EntityMember: {}, EntityServer: {},
}

// ValidEntityType reports whether t is a known entity type.
func ValidEntityType(t EntityType) bool {
	_, ok := validEntityTypes[t]
	return ok
}

// Entry is one immutable audit record. Entries are created once per
// privileged mutation and never updated or deleted.
type Entry struct {
	ID         string          `json:"id"`
	ServerID   string          `json:"server_id"`
	ActorID    string          `json:"actor_id"`
	Action     Action          `json:"action"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	IPAddress  string          `json:"ip_address,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Filter narrows an audit query. Time bounds are inclusive.
type Filter struct {
	EntityType    EntityType
	Actions       []Action
	ActorID       string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// DefaultQueryLimit applies when a filter specifies no limit.
const DefaultQueryLimit = 50

// MaxQueryLimit caps a single page.
const MaxQueryLimit = 200

// DetailsPayload is the closed set of structured details shapes, validated
// at write time.
type DetailsPayload interface {
	Validate() error
}

// FieldChange is an old/new pair for one changed field.
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// FieldChanges captures a structured diff of changed fields, rendered
// verbatim by dashboards.
type FieldChanges struct {
	Changes map[string]FieldChange `json:"changes"`
}

// Validate implements DetailsPayload.
func (f FieldChanges) Validate() error {
	if len(f.Changes) == 0 {
		return fmt.Errorf("field changes payload requires at least one change")
	}
	return nil
}

// MemberChange captures a role transition for a member mutation.
type MemberChange struct {
	OldRole string `json:"old_role,omitempty"`
	NewRole string `json:"new_role,omitempty"`
}

// Validate implements DetailsPayload.
func (m MemberChange) Validate() error {
	if m.OldRole == "" && m.NewRole == "" {
		return fmt.Errorf("member change payload requires a role")
	}
	return nil
}

// OwnershipTransferDetails captures both parties of a transfer.
type OwnershipTransferDetails struct {
	PreviousOwnerID string `json:"previous_owner_id"`
	NewOwnerID      string `json:"new_owner_id"`
}

// Validate implements DetailsPayload.
func (o OwnershipTransferDetails) Validate() error {
	if o.PreviousOwnerID == "" || o.NewOwnerID == "" {
		return fmt.Errorf("ownership transfer payload requires both owner ids")
	}
	return nil
}

// ImportExportDetails captures a bulk import or export.
type ImportExportDetails struct {
	Format string `json:"format"`
	Count  int    `json:"count"`
}

// Validate implements DetailsPayload.
func (i ImportExportDetails) Validate() error {
	if i.Format == "" {
		return fmt.Errorf("import/export payload requires a format")
	}
	return nil
}

// MarshalDetails validates a payload and serializes it for storage.
func MarshalDetails(payload DetailsPayload) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid details payload: %w", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal details payload: %w", err)
	}
	return raw, nil
}
