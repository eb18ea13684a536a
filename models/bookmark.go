package models

// BookmarkRecord is one serializable bookmark entry exchanged between peers.
//
// The sync core treats records as opaque: it marshals them onto the wire and
// hands received lists to the collaborator unchanged. Field semantics (tree
// structure, merge policy) belong to the bookmark store.
type BookmarkRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	ModifiedAt  string `json:"modified_at,omitempty"`
}
