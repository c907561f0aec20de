package bundler

import (
	"encoding/binary"
	"sort"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/minio/crc64nvme"
	"github.com/mr-tron/base58"
)

// fingerprint hashes the emitted files in path order so the value only
// depends on what was written, not the order esbuild reported it in.
func fingerprint(files []api.OutputFile) string {
	sorted := make([]api.OutputFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := crc64nvme.New()
	for _, f := range sorted {
		_, _ = h.Write([]byte(f.Path))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(f.Contents)
	}

	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], h.Sum64())
	return base58.Encode(sum[:])
}
