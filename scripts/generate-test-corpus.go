//go:build ignore

// Package main generates a synthetic image corpus for benchmarking the
// scanner (C4) and indexer (C6) against a large directory tree without
// requiring real image assets.
// Usage: go run scripts/generate-test-corpus.go -files 1000 -output testdata/bench
package main

import (
	"crypto/sha256"
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
)

var (
	numFiles   = flag.Int("files", 1000, "Number of image files to generate")
	outputDir  = flag.String("output", "testdata/bench", "Output directory")
	seed       = flag.Int64("seed", 42, "Random seed for reproducibility")
	numDirs    = flag.Int("dirs", 10, "Number of subdirectories to spread files across")
	minBytes   = flag.Int("min-bytes", 512, "Minimum synthetic image size in bytes")
	maxBytes   = flag.Int("max-bytes", 8192, "Maximum synthetic image size in bytes")
	pctCorrupt = flag.Float64("pct-corrupt", 0.0, "Fraction of files to write with a truncated header, for testing edge cases")
)

// extensions mirrors the scanner's allowlist so a generated corpus always
// gets picked up.
var extensions = []string{".png", ".jpg", ".jpeg"}

// pngSignature and jpegSOI are minimal valid file headers so a generated
// file at least starts like the format its extension claims, even though
// the body is random noise rather than a decodable image.
var (
	pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	jpegSOI      = []byte{0xFF, 0xD8, 0xFF, 0xE0}
)

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	dirs := make([]string, *numDirs)
	for i := range dirs {
		dirs[i] = filepath.Join(*outputDir, fmt.Sprintf("album-%03d", i))
		if err := os.MkdirAll(dirs[i], 0755); err != nil {
			fmt.Fprintf(os.Stderr, "error creating subdirectory %s: %v\n", dirs[i], err)
			os.Exit(1)
		}
	}

	fmt.Printf("generating %d synthetic image files across %d directories in %s...\n", *numFiles, *numDirs, *outputDir)

	generated := 0
	for i := 0; i < *numFiles; i++ {
		dir := dirs[rng.Intn(len(dirs))]
		ext := extensions[rng.Intn(len(extensions))]
		corrupt := rng.Float64() < *pctCorrupt

		content := syntheticImage(rng, ext, corrupt)
		name := fmt.Sprintf("img-%06d-%s%s", i, shortHash(content), ext)

		if err := os.WriteFile(filepath.Join(dir, name), content, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "error writing %s: %v\n", name, err)
			continue
		}
		generated++
	}

	fmt.Printf("generated %d files successfully.\n", generated)
}

// syntheticImage builds a byte slice that starts with the signature
// matching ext followed by random filler bytes, sized between minBytes and
// maxBytes. A corrupt file is only the first half of the signature.
func syntheticImage(rng *rand.Rand, ext string, corrupt bool) []byte {
	size := *minBytes
	if *maxBytes > *minBytes {
		size += rng.Intn(*maxBytes - *minBytes)
	}

	buf := make([]byte, size)
	_, _ = rng.Read(buf)

	signature := jpegSOI
	if ext == ".png" {
		signature = pngSignature
	}
	if corrupt {
		half := len(signature) / 2
		copy(buf, signature[:half])
		return buf[:half]
	}
	copy(buf, signature)
	return buf
}

func shortHash(content []byte) string {
	sum := sha256.Sum256(content)
	n := binary.BigEndian.Uint32(sum[:4])
	return fmt.Sprintf("%08x", n)
}
