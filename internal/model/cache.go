package model

import (
	"net/http"
	"time"
)

// CacheEntry is one stored response inside a cache partition, keyed by
// request method and absolute URL.
type CacheEntry struct {
	Partition string      `json:"partition"`
	Key       string      `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
	StoredAt  time.Time   `json:"stored_at"`
}
