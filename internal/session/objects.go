package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

const DefaultObjectPrefix = "blob:statickit/"

type objectEntry struct {
	imageID  string
	data     []byte
	mimeType string
}

// ObjectURLs plays the part of browser object URLs. A stored image has at
// most one live URL, and that URL remembers its id so saves can reuse it.
type ObjectURLs struct {
	prefix  string
	mu      sync.RWMutex
	entries map[string]objectEntry
	byImage map[string]string
}

func NewObjectURLs(prefix string) *ObjectURLs {
	if prefix == "" {
		prefix = DefaultObjectPrefix
	}
	return &ObjectURLs{
		prefix:  prefix,
		entries: make(map[string]objectEntry),
		byImage: make(map[string]string),
	}
}

func (o *ObjectURLs) Prefix() string {
	return o.prefix
}

// Create returns the live URL for img, minting one if there is none. The
// bytes are shared, not copied.
func (o *ObjectURLs) Create(img *StoredImage) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if url, ok := o.byImage[img.ID]; ok {
		return url
	}
	url := o.prefix + uuid.New().String()
	o.entries[url] = objectEntry{imageID: img.ID, data: img.Data, mimeType: img.MimeType}
	o.byImage[img.ID] = url
	return url
}

func (o *ObjectURLs) CreateFromData(data []byte, mimeType string) string {
	url := o.prefix + uuid.New().String()
	o.mu.Lock()
	o.entries[url] = objectEntry{data: data, mimeType: mimeType}
	o.mu.Unlock()
	return url
}

func (o *ObjectURLs) Resolve(url string) ([]byte, string, bool) {
	o.mu.RLock()
	e, ok := o.entries[url]
	o.mu.RUnlock()
	if !ok {
		return nil, "", false
	}
	return e.data, e.mimeType, true
}

func (o *ObjectURLs) ImageID(url string) (string, bool) {
	o.mu.RLock()
	e, ok := o.entries[url]
	o.mu.RUnlock()
	if !ok || e.imageID == "" {
		return "", false
	}
	return e.imageID, true
}

// Bind records that url's bytes now live in StoredImage id.
func (o *ObjectURLs) Bind(url, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[url]
	if !ok {
		return
	}
	if e.imageID != "" && o.byImage[e.imageID] == url {
		delete(o.byImage, e.imageID)
	}
	e.imageID = id
	o.entries[url] = e
	if _, taken := o.byImage[id]; !taken {
		o.byImage[id] = url
	}
}

func (o *ObjectURLs) Owns(url string) bool {
	return strings.HasPrefix(url, o.prefix)
}

func (o *ObjectURLs) Token(url string) string {
	return strings.TrimPrefix(url, o.prefix)
}

func (o *ObjectURLs) Revoke(url string) {
	o.mu.Lock()
	o.revoke(url)
	o.mu.Unlock()
}

func (o *ObjectURLs) RevokeImages(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for url, e := range o.entries {
		if e.imageID != "" && drop[e.imageID] {
			o.revoke(url)
			n++
		}
	}
	return n
}

func (o *ObjectURLs) revoke(url string) {
	e, ok := o.entries[url]
	if !ok {
		return
	}
	delete(o.entries, url)
	if e.imageID != "" && o.byImage[e.imageID] == url {
		delete(o.byImage, e.imageID)
	}
}

func (o *ObjectURLs) RevokeAll() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.entries)
	o.entries = make(map[string]objectEntry)
	o.byImage = make(map[string]string)
	return n
}

func (o *ObjectURLs) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}
