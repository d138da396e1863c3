package store

import "time"

type Annotation struct {
	ID                  string
	UserID              string
	GroupID             string
	Text                string
	Tags                []string
	Shared              bool
	TargetURI           string
	TargetURINormalized string
	TargetSelectors     []map[string]any
	// References lists ancestor ids, thread root first and direct parent last.
	References []string
	Extra      map[string]any
	DocumentID int64
	Deleted    bool
	Created    time.Time
	Updated    time.Time
}

func (a Annotation) IsReply() bool {
	return len(a.References) > 0
}

// ThreadRoot returns the id of the top-level annotation of a reply's thread.
func (a Annotation) ThreadRoot() string {
	if len(a.References) == 0 {
		return ""
	}
	return a.References[0]
}

func (a Annotation) Parent() string {
	if len(a.References) == 0 {
		return ""
	}
	return a.References[len(a.References)-1]
}

type Document struct {
	ID      int64
	Title   string
	WebURI  string
	Created time.Time
	Updated time.Time
	// Loaded on demand.
	URIs  []DocumentURI
	Metas []DocumentMeta
}

type DocumentURI struct {
	ID                 int64
	DocumentID         int64
	Claimant           string
	ClaimantNormalized string
	URI                string
	URINormalized      string
	Type               string
	ContentType        string
	Created            time.Time
	Updated            time.Time
}

func (u DocumentURI) Key() DocumentURIKey {
	return DocumentURIKey{
		ClaimantNormalized: u.ClaimantNormalized,
		URINormalized:      u.URINormalized,
		Type:               u.Type,
		ContentType:        u.ContentType,
	}
}

// DocumentURIKey is the uniqueness tuple of a DocumentURI.
type DocumentURIKey struct {
	ClaimantNormalized string
	URINormalized      string
	Type               string
	ContentType        string
}

type DocumentMeta struct {
	ID                 int64
	DocumentID         int64
	Claimant           string
	ClaimantNormalized string
	// Type is a dotted path such as "title" or "twitter.url.main_url".
	Type    string
	Value   []string
	Created time.Time
	Updated time.Time
}
