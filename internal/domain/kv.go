package domain

import "encoding/json"

// KVEntry is a leaf value. Path is relative to the service namespace.
type KVEntry struct {
	Path        string `json:"path"`
	Value       []byte `json:"value"`
	ModifyIndex uint64 `json:"modify_index"`
	CreateIndex uint64 `json:"create_index"`
	Flags       uint64 `json:"flags"`
}

type KVListItem struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// KVManifest orders a list. A zero Version on write means stored+1.
type KVManifest struct {
	Order    []string          `json:"order" required:"false" nullable:"true"`
	Version  int64             `json:"version" required:"false"`
	ETag     string            `json:"etag,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type KVObjectWrite struct {
	Data map[string]string `json:"data"`
}

type KVListWrite struct {
	Items           []KVListItem `json:"items" required:"false" nullable:"true"`
	Manifest        KVManifest   `json:"manifest"`
	Deletes         []string     `json:"deletes,omitempty"`
	ExpectedVersion *int64       `json:"expected_version,omitempty"`
}

type KVList struct {
	Items    []KVListItem `json:"items"`
	Manifest KVManifest   `json:"manifest"`
}

type KVVerb string

const (
	KVSet            KVVerb = "set"
	KVGet            KVVerb = "get"
	KVDelete         KVVerb = "delete"
	KVCAS            KVVerb = "cas"
	KVDeleteCAS      KVVerb = "delete-cas"
	KVCheckIndex     KVVerb = "check-index"
	KVCheckNotExists KVVerb = "check-not-exists"
)

// KVOp is one transaction operation. Index is the expected ModifyIndex for CAS verbs;
// 0 on a cas means "must not exist".
type KVOp struct {
	Verb  KVVerb `json:"verb" enum:"set,get,delete,cas,delete-cas,check-index,check-not-exists"`
	Path  string `json:"path"`
	Value []byte `json:"value,omitempty"`
	Flags uint64 `json:"flags,omitempty"`
	Index uint64 `json:"index,omitempty"`
}

type KVOpResult struct {
	Verb  KVVerb   `json:"verb"`
	Path  string   `json:"path"`
	Entry *KVEntry `json:"entry,omitempty"`
}
