package ir

// CacheIndex is the persistent record of what the local cache holds.
type CacheIndex struct {
	Version  int                      `cbor:"1,keyasint"`
	Serial   int                      `cbor:"2,keyasint"`
	Lineage  string                   `cbor:"3,keyasint"`
	Platform string                   `cbor:"4,keyasint"`
	Packages map[string]*PackageEntry `cbor:"5,keyasint"`
}

// PackageEntry records one cached package file.
type PackageEntry struct {
	PreName   string `cbor:"1,keyasint"`
	FileName  string `cbor:"2,keyasint"`
	Digest    string `cbor:"3,keyasint"` // blake3, hex
	Size      int64  `cbor:"4,keyasint"`
	FetchedAt int64  `cbor:"5,keyasint"` // unix seconds
}

// Entry returns the entry for a pre-name, or nil.
func (c *CacheIndex) Entry(pre string) *PackageEntry {
	if c == nil || c.Packages == nil {
		return nil
	}
	return c.Packages[pre]
}

// Put records an entry, allocating the map on first use.
func (c *CacheIndex) Put(e *PackageEntry) {
	if c.Packages == nil {
		c.Packages = make(map[string]*PackageEntry)
	}
	c.Packages[e.PreName] = e
}
