package ir

import "fmt"

// TypeTag names the payload type a resource key resolves to, e.g. "Texture2D".
type TypeTag string

// ResourceKey identifies an addressable resource.
// Identity is Name + OwnerPackage + TargetType; ContentHash is metadata.
type ResourceKey struct {
	Name         string  `json:"name" pkl:"name" yaml:"name"`
	OwnerPackage string  `json:"ownerPackage,omitempty" pkl:"ownerPackage" yaml:"ownerPackage"`
	TargetType   TypeTag `json:"targetType,omitempty" pkl:"targetType" yaml:"targetType"`
	ContentHash  string  `json:"contentHash,omitempty" pkl:"contentHash" yaml:"contentHash"`
}

// KeyID is the comparable identity of a ResourceKey.
type KeyID struct {
	Name         string
	OwnerPackage string
	TargetType   TypeTag
}

// ID returns the lookup identity of the key.
func (k ResourceKey) ID() KeyID {
	return KeyID{Name: k.Name, OwnerPackage: k.OwnerPackage, TargetType: k.TargetType}
}

// Equal reports whether two keys share an identity.
func (k ResourceKey) Equal(o ResourceKey) bool {
	return k.ID() == o.ID()
}

func (k ResourceKey) String() string {
	if k.OwnerPackage == "" {
		return fmt.Sprintf("%s<%s>", k.Name, k.TargetType)
	}
	return fmt.Sprintf("%s/%s<%s>", k.OwnerPackage, k.Name, k.TargetType)
}

// Reset clears every field so a pooled key can be reused.
func (k *ResourceKey) Reset() {
	*k = ResourceKey{}
}

// LoadType selects how a resource is loaded.
type LoadType int

const (
	LoadAssetBundle LoadType = iota
	LoadABAsset
	LoadABScene
	LoadShaderVariant
	LoadRawFile
	LoadInternalResource
	LoadNetImage
	LoadLocalImage
)

var loadTypeNames = [...]string{
	LoadAssetBundle:      "AssetBundle",
	LoadABAsset:          "ABAsset",
	LoadABScene:          "ABScene",
	LoadShaderVariant:    "ShaderVariant",
	LoadRawFile:          "RawFile",
	LoadInternalResource: "InternalResource",
	LoadNetImage:         "NetImageRes",
	LoadLocalImage:       "LocalImageRes",
}

func (lt LoadType) String() string {
	if lt < 0 || int(lt) >= len(loadTypeNames) {
		return fmt.Sprintf("LoadType(%d)", int(lt))
	}
	return loadTypeNames[lt]
}

// ParseLoadType resolves a load type by its name, case-sensitive.
func ParseLoadType(s string) (LoadType, error) {
	for i, name := range loadTypeNames {
		if name == s {
			return LoadType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown load type: %s", s)
}

// AllLoadTypes lists every known load type.
func AllLoadTypes() []LoadType {
	out := make([]LoadType, len(loadTypeNames))
	for i := range loadTypeNames {
		out[i] = LoadType(i)
	}
	return out
}

// IsNetworkResource reports whether the payload is fetched over the network at load time.
func (lt LoadType) IsNetworkResource() bool {
	return lt == LoadNetImage
}

// SupportsSyncLoad reports whether the load type can be resolved without going through the scheduler.
func (lt LoadType) SupportsSyncLoad() bool {
	switch lt {
	case LoadRawFile, LoadInternalResource, LoadLocalImage:
		return true
	}
	return false
}

// RequiresReferenceCount reports whether sources of this type are evicted by refcount.
func (lt LoadType) RequiresReferenceCount() bool {
	return lt != LoadInternalResource
}

// Partition is a ResourceTable partition.
type Partition int

const (
	PartitionAsset Partition = iota
	PartitionPackage
	PartitionRawFile
	PartitionBuiltin
	PartitionNetImage

	partitionCount
)

// PartitionCount is the number of table partitions.
const PartitionCount = int(partitionCount)

func (p Partition) String() string {
	switch p {
	case PartitionAsset:
		return "asset"
	case PartitionPackage:
		return "package"
	case PartitionRawFile:
		return "rawfile"
	case PartitionBuiltin:
		return "builtin"
	case PartitionNetImage:
		return "netimage"
	}
	return fmt.Sprintf("Partition(%d)", int(p))
}

// Partition returns the table partition holding sources of this load type.
func (lt LoadType) Partition() Partition {
	switch lt {
	case LoadAssetBundle:
		return PartitionPackage
	case LoadRawFile, LoadLocalImage:
		return PartitionRawFile
	case LoadInternalResource:
		return PartitionBuiltin
	case LoadNetImage:
		return PartitionNetImage
	default:
		return PartitionAsset
	}
}
