// Package stubcache implements spec §3's StubBlob fetch-and-cache: prebuilt
// ESP flasher stub images are fetched once per chip name and kept for the
// lifetime of a Cache, write-once-per-key. There is no package-level cache;
// blobs are shared only by callers that share one Cache value.
package stubcache

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/sigurn/crc16"
)

// StubBlob is the spec §3 entity: a position-specific RAM image of the
// flasher stub for one chip.
type StubBlob struct {
	Text      []byte
	TextStart uint32
	Data      []byte
	DataStart uint32
	Entry     uint32
}

type wireBlob struct {
	Text      string `json:"text"`
	TextStart uint32 `json:"text_start"`
	Data      string `json:"data"`
	DataStart uint32 `json:"data_start"`
	Entry     uint32 `json:"entry"`
}

// StubFetcher retrieves the raw JSON bytes for a stub file name. It is an
// out-of-scope collaborator per spec §1/§6.5 — the HTTP fetch itself is not
// part of the core; callers supply an implementation (e.g. backed by
// net/http and a configurable base URL).
type StubFetcher interface {
	Fetch(fileName string) ([]byte, error)
}

// Cache is a write-once-per-key store of StubBlob, keyed by the normalized
// chip name (spec §6.5). Each Cache holds its own blobs.
type Cache struct {
	fetcher StubFetcher
	log     func(string)

	mu    sync.Mutex
	blobs map[string]StubBlob
}

// New constructs a Cache backed by fetcher. log receives a one-line CRC-16
// fingerprint diagnostic for each freshly fetched blob; pass nil to discard.
func New(fetcher StubFetcher, log func(string)) *Cache {
	if log == nil {
		log = func(string) {}
	}
	return &Cache{fetcher: fetcher, log: log, blobs: make(map[string]StubBlob)}
}

// Get returns the StubBlob for chipName, fetching and decoding it on first
// use. The file-name normalization rule is spec §6.5's
// `chip_name.lower().replace('-', '')` mapped to `<name>.json` or
// `stub_flasher_<name>.json`.
func (c *Cache) Get(chipName string) (StubBlob, error) {
	key := normalize(chipName)

	c.mu.Lock()
	if b, ok := c.blobs[key]; ok {
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	raw, fileName, err := c.fetchAny(key)
	if err != nil {
		return StubBlob{}, fmt.Errorf("stubcache: fetching %s: %w", fileName, err)
	}

	var w wireBlob
	if err := json.Unmarshal(raw, &w); err != nil {
		return StubBlob{}, fmt.Errorf("stubcache: decoding %s: %w", fileName, err)
	}
	text, err := base64.StdEncoding.DecodeString(w.Text)
	if err != nil {
		return StubBlob{}, fmt.Errorf("stubcache: decoding text segment of %s: %w", fileName, err)
	}
	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return StubBlob{}, fmt.Errorf("stubcache: decoding data segment of %s: %w", fileName, err)
	}
	blob := StubBlob{Text: text, TextStart: w.TextStart, Data: data, DataStart: w.DataStart, Entry: w.Entry}

	table := crc16.MakeTable(crc16.CRC16_CCITT_FALSE)
	fingerprint := crc16.Checksum(raw, table)
	c.log(fmt.Sprintf("stub %s fetched: %d bytes, crc16=%04x", fileName, len(raw), fingerprint))

	c.mu.Lock()
	c.blobs[key] = blob
	c.mu.Unlock()
	return blob, nil
}

// fetchAny tries the plain `<name>.json` form first, falling back to the
// `stub_flasher_<name>.json` form, per spec §6.5.
func (c *Cache) fetchAny(key string) ([]byte, string, error) {
	plain := key + ".json"
	if raw, err := c.fetcher.Fetch(plain); err == nil {
		return raw, plain, nil
	}
	prefixed := "stub_flasher_" + key + ".json"
	raw, err := c.fetcher.Fetch(prefixed)
	return raw, prefixed, err
}

func normalize(chipName string) string {
	return strings.ReplaceAll(strings.ToLower(chipName), "-", "")
}
