// Package asset defines the immutable content entity of the store: its
// digest, kind classification, broken placeholder variant, and derived views.
package asset

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"git.home.luguber.info/inful/assetstore/internal/errors"
)

// BrokenName is the reserved display name of broken placeholders.
const BrokenName = "broken"

// Asset is a named blob with a fixed kind. Values are immutable after
// construction; the byte slice returned by Bytes must not be modified.
type Asset struct {
	digest    Digest
	name      string
	kind      Kind
	extension string
	data      []byte
	broken    bool

	jsonOnce sync.Once
	jsonVal  any
	jsonErr  error
}

// Option adjusts asset construction.
type Option func(*options)

type options struct {
	reencode map[string]bool
}

// WithReencode converts images whose probed format is listed (e.g. "bmp",
// "tiff") to PNG before the digest is computed.
func WithReencode(formats ...string) Option {
	return func(o *options) {
		if o.reencode == nil {
			o.reencode = make(map[string]bool, len(formats))
		}
		for _, f := range formats {
			o.reencode[strings.ToLower(f)] = true
		}
	}
}

// Create builds an asset of the given kind. The extension is probed for
// images and otherwise follows the kind.
func Create(name string, data []byte, kind Kind, opts ...Option) (*Asset, error) {
	return CreateWithExtension(name, "", data, kind, opts...)
}

// CreateWithExtension builds an asset with an explicit extension. An Invalid
// kind yields a broken placeholder carrying the digest of data.
func CreateWithExtension(name, ext string, data []byte, kind Kind, opts ...Option) (*Asset, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if kind == KindInvalid {
		return newBroken(Of(data)), nil
	}

	payload := bytes.Clone(data)
	if payload == nil {
		payload = []byte{}
	}
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))

	if kind == KindImage {
		converted, ok, err := reencodeImage(payload, o.reencode)
		if err != nil {
			return nil, errors.Decode(kind.String(), err).WithContext("name", name)
		}
		if ok {
			payload = converted
			ext = "png"
		}
		if ext == "" {
			ext = DeriveExtension(payload)
		}
	}
	if ext == "" {
		ext = kind.defaultExtension()
	}

	return &Asset{
		digest:    Of(payload),
		name:      name,
		kind:      kind,
		extension: ext,
		data:      payload,
	}, nil
}

// Detect classifies data from its filename and content, then builds the asset.
// The display name is the filename without directory or extension.
func Detect(filename string, data []byte, opts ...Option) (*Asset, error) {
	kind := Classify(DetectMediaType(data, filename), filename)
	return CreateWithExtension(NameFromReference(filename), path.Ext(filename), data, kind, opts...)
}

// FromFile reads path and builds the asset with Detect.
func FromFile(filePath string, opts ...Option) (*Asset, error) {
	// #nosec G304 -- callers choose which local files to ingest
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	return Detect(filepath.Base(filePath), data, opts...)
}

// Broken returns the placeholder for a digest whose content is known to
// exist but cannot be obtained. It carries no bytes and does not satisfy
// the digest invariant.
func Broken(d Digest) *Asset {
	return newBroken(d)
}

func newBroken(d Digest) *Asset {
	return &Asset{
		digest:    d,
		name:      BrokenName,
		kind:      KindInvalid,
		extension: genericExtension,
		data:      []byte{},
		broken:    true,
	}
}

// NameFromReference strips directories and the extension from a reference.
func NameFromReference(ref string) string {
	base := path.Base(strings.ReplaceAll(ref, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// WithBytes returns a new asset holding data. When recompute is false the
// digest is kept, which callers use for in-place content replacement.
func (a *Asset) WithBytes(data []byte, recompute bool) *Asset {
	next := &Asset{
		digest:    a.digest,
		name:      a.name,
		kind:      a.kind,
		extension: a.extension,
		data:      bytes.Clone(data),
	}
	if next.data == nil {
		next.data = []byte{}
	}
	if recompute {
		next.digest = Of(next.data)
	}
	return next
}

func (a *Asset) Digest() Digest    { return a.digest }
func (a *Asset) Name() string      { return a.name }
func (a *Asset) Kind() Kind        { return a.kind }
func (a *Asset) Extension() string { return a.extension }
func (a *Asset) Bytes() []byte     { return a.data }
func (a *Asset) Size() int         { return len(a.data) }
func (a *Asset) IsBroken() bool    { return a.broken }

// Filename is the name with its extension, used when writing the asset out.
func (a *Asset) Filename() string {
	if a.extension == "" {
		return a.name
	}
	return a.name + "." + a.extension
}

// Equal reports whether both assets carry the same identity, name, kind and bytes.
func (a *Asset) Equal(other *Asset) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.digest == other.digest &&
		a.name == other.name &&
		a.kind == other.kind &&
		a.broken == other.broken &&
		bytes.Equal(a.data, other.data)
}

func (a *Asset) String() string {
	if a.broken {
		return fmt.Sprintf("Asset(%s, broken)", a.digest)
	}
	return fmt.Sprintf("Asset(%s, %s, %s, %d bytes)", a.digest, a.name, a.kind, len(a.data))
}
