package repoindex

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode"

	"github.com/klauspost/compress/gzip"

	"git.home.luguber.info/inful/assetstore/internal/asset"
)

// Entries maps a digest to its reference, relative to the index location.
type Entries map[asset.Digest]string

// Clone returns a copy of e.
func (e Entries) Clone() Entries {
	out := make(Entries, len(e))
	for d, ref := range e {
		out[d] = ref
	}
	return out
}

// Parse reads index lines of the form "<32 hex digest><whitespace><reference>".
// Blank and malformed lines are skipped.
func Parse(lines []string) Entries {
	entries, _ := parseLines(lines)
	return entries
}

func parseLines(lines []string) (Entries, int) {
	entries := make(Entries, len(lines))
	skipped := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		d, ref, ok := parseLine(line)
		if !ok {
			skipped++
			continue
		}
		entries[d] = ref
	}
	return entries, skipped
}

func parseLine(line string) (asset.Digest, string, bool) {
	if len(line) < asset.DigestLength+2 {
		return "", "", false
	}
	if !unicode.IsSpace(rune(line[asset.DigestLength])) {
		return "", "", false
	}
	d, err := asset.ParseDigest(line[:asset.DigestLength])
	if err != nil {
		return "", "", false
	}
	ref := strings.TrimSpace(line[asset.DigestLength+1:])
	if ref == "" {
		return "", "", false
	}
	return d, ref, true
}

// ParseReader parses an uncompressed index stream.
func ParseReader(r io.Reader) (Entries, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	return Parse(lines), nil
}

// Decode gunzips an index file into its lines.
func Decode(data []byte) ([]string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer func() { _ = zr.Close() }()
	return readLines(zr)
}

func readLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return lines, nil
}

// BuildManifest serializes entries in the index text format, sorted by digest.
func BuildManifest(entries Entries) []byte {
	digests := make([]asset.Digest, 0, len(entries))
	for d := range entries {
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })

	var buf bytes.Buffer
	for _, d := range digests {
		buf.WriteString(d.String())
		buf.WriteByte(' ')
		buf.WriteString(entries[d])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Compress gzips a manifest into the on-the-wire index format.
func Compress(manifest []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(manifest); err != nil {
		_ = zw.Close()
		return nil, fmt.Errorf("compress index: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress index: %w", err)
	}
	return buf.Bytes(), nil
}

// Encode builds and compresses entries in one step.
func Encode(entries Entries) ([]byte, error) {
	return Compress(BuildManifest(entries))
}
