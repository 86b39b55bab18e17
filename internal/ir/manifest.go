package ir

// HashTable maps package pre-names to hash-qualified file names and back.
type HashTable struct {
	PreToHashes map[string]string `json:"PreToHashes"`
	HashesToPre map[string]string `json:"HashesToPre"`
}

// DependencyTable maps a package pre-name to the pre-names it depends on.
type DependencyTable struct {
	Dependences map[string][]string `json:"Dependences"`
}

// KeyRecord is one serialized key in the asset-key or package-key table.
type KeyRecord struct {
	LibName        string `json:"LibName,omitempty"`
	ABName         string `json:"ABName"`
	ResName        string `json:"ResName"`
	TargetType     string `json:"TargetType,omitempty"`
	SourceLoadType string `json:"SourceLoadType,omitempty"`
	GUID           string `json:"GUID,omitempty"`
	Path           string `json:"Path,omitempty"`
}

// ResourceKey converts the record into a lookup key.
func (r KeyRecord) ResourceKey() ResourceKey {
	return ResourceKey{
		Name:         r.ResName,
		OwnerPackage: r.ABName,
		TargetType:   TypeTag(r.TargetType),
	}
}

// LoadType resolves the record's load type, defaulting to an in-package asset.
func (r KeyRecord) LoadType() LoadType {
	if r.SourceLoadType == "" {
		return LoadABAsset
	}
	lt, err := ParseLoadType(r.SourceLoadType)
	if err != nil {
		return LoadABAsset
	}
	return lt
}

// AssetKeyTable indexes every addressable asset.
type AssetKeyTable struct {
	AssetKeys       []KeyRecord    `json:"AssetKeys"`
	GUIDToAssetKeys map[string]int `json:"GUIDToAssetKeys"`
	PathToAssetKeys map[string]int `json:"PathToAssetKeys"`
}

// PackageKeyTable indexes every package.
type PackageKeyTable struct {
	ABKeys       []KeyRecord    `json:"ABKeys"`
	NameToABKeys map[string]int `json:"NameToABKeys"`
}

// Manifest is one fetched snapshot of the remote manifest bundle.
type Manifest struct {
	Platform     string
	Main         []byte
	Hashes       HashTable
	Dependencies DependencyTable
	AssetKeys    AssetKeyTable
	PackageKeys  PackageKeyTable
}

// HashedName returns the hash-qualified file name for a package pre-name.
func (m *Manifest) HashedName(pre string) (string, bool) {
	if m == nil || m.Hashes.PreToHashes == nil {
		return "", false
	}
	name, ok := m.Hashes.PreToHashes[pre]
	return name, ok
}

// DependenciesOf returns the direct dependencies of a package.
func (m *Manifest) DependenciesOf(pre string) []string {
	if m == nil || m.Dependencies.Dependences == nil {
		return nil
	}
	return m.Dependencies.Dependences[pre]
}

// AssetByPath looks up an asset key by its source path, then by GUID.
func (m *Manifest) AssetByPath(pathOrGUID string) (KeyRecord, bool) {
	if m == nil {
		return KeyRecord{}, false
	}
	keys := m.AssetKeys.AssetKeys
	if i, ok := m.AssetKeys.PathToAssetKeys[pathOrGUID]; ok && i >= 0 && i < len(keys) {
		return keys[i], true
	}
	if i, ok := m.AssetKeys.GUIDToAssetKeys[pathOrGUID]; ok && i >= 0 && i < len(keys) {
		return keys[i], true
	}
	return KeyRecord{}, false
}

// PackageByName looks up a package key by pre-name.
func (m *Manifest) PackageByName(pre string) (KeyRecord, bool) {
	if m == nil {
		return KeyRecord{}, false
	}
	keys := m.PackageKeys.ABKeys
	if i, ok := m.PackageKeys.NameToABKeys[pre]; ok && i >= 0 && i < len(keys) {
		return keys[i], true
	}
	return KeyRecord{}, false
}

// Packages returns every package pre-name in the hash table.
func (m *Manifest) Packages() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Hashes.PreToHashes))
	for pre := range m.Hashes.PreToHashes {
		out = append(out, pre)
	}
	return out
}
