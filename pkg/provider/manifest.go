package provider

import (
	"context"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/dbcore/pkg/events"
	"github.com/cuemby/dbcore/pkg/metrics"
	"github.com/cuemby/dbcore/pkg/transport"
)

// manifestKey identifies one collection within a bucket's manifest.
type manifestKey struct {
	bucket     string
	scope      string
	collection string
}

// encodeLEB128 returns the unsigned LEB128 encoding of v, per spec.md
// section 6's collection-id wire format.
func encodeLEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// RefreshCollectionMap issues a manifest request for bucket and, on
// success, replaces the bucket's cached (scope, collection) -> LEB128
// collection-id mapping. force is accepted for interface parity with a
// host-provided cache-busting caller; this implementation always issues
// a fresh request.
func (p *Provider) RefreshCollectionMap(ctx context.Context, bucket string, force bool) error {
	if p.manifestLoader == nil {
		return fmt.Errorf("provider: no manifest loader configured")
	}

	result, err := p.manifestLoader.LoadManifest(ctx, bucket)
	if err != nil {
		return fmt.Errorf("provider: manifest request for bucket %q: %w", bucket, err)
	}

	switch result.Status {
	case transport.ManifestUnknown:
		return ErrCollectionsNotAvailable
	case transport.ManifestOK:
	default:
		return fmt.Errorf("provider: manifest request for bucket %q returned status %d", bucket, result.Status)
	}

	for _, k := range p.manifests.Keys() {
		if k.bucket == bucket {
			p.manifests.Remove(k)
		}
	}

	for _, scope := range result.Scopes {
		for _, col := range scope.Collections {
			id, err := strconv.ParseUint(col.UIDHex, 16, 32)
			if err != nil {
				p.publish(events.EventCollectionMapDecodingFailed, fmt.Sprintf("bucket=%s scope=%s collection=%s uid=%s: %v", bucket, scope.Name, col.Name, col.UIDHex, err))
				continue
			}
			key := manifestKey{bucket: bucket, scope: scope.Name, collection: col.Name}
			p.manifests.Add(key, encodeLEB128(id))
		}
	}
	metrics.CollectionManifestCacheSize.Set(float64(p.manifests.Len()))
	return nil
}

// CollectionID returns the cached LEB128-encoded collection id for
// (bucket, scope, collection), if present.
func (p *Provider) CollectionID(bucket, scope, collection string) ([]byte, bool) {
	return p.manifests.Get(manifestKey{bucket: bucket, scope: scope, collection: collection})
}

func newManifestCache(size int) *lru.Cache[manifestKey, []byte] {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[manifestKey, []byte](size)
	return c
}
