package flat

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ragindex/internal/domain"
)

const (
	vectorsFile  = "index.vec"
	metadataFile = "index.meta.json"
	// currentFile names the generation directory holding the live pair.
	currentFile = "CURRENT"
	genPrefix   = "snap-"

	snapshotMagic   = "RAGV"
	snapshotVersion = 1
	headerSize      = 4 + 4 + 4 + 8 + 8
)

type metaFile struct {
	Version   int         `json:"version"`
	Dimension int         `json:"dimension"`
	Count     int         `json:"count"`
	NextID    uint64      `json:"next_id"`
	Checksum  uint32      `json:"checksum"`
	Entries   []metaEntry `json:"entries"`
}

type metaEntry struct {
	IndexID  uint64            `json:"index_id"`
	ChunkID  string            `json:"chunk_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type snapshot struct {
	dimension int
	nextID    uint64
	entries   []entry
}

// writeSnapshot writes a new generation directory holding the vector matrix
// and the metadata, then points CURRENT at it with a single rename. A crash
// at any step leaves CURRENT on the previous complete generation. The
// metadata carries the matrix checksum so a damaged pair is still detected
// on load.
func writeSnapshot(dir string, dim int, nextID uint64, entries []entry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	gens, err := generations(dir)
	if err != nil {
		return err
	}
	name := genPrefix + strconv.FormatUint(nextGeneration(gens), 10)
	genDir := filepath.Join(dir, name)
	if err := os.Mkdir(genDir, 0o755); err != nil {
		return err
	}
	if err := writePair(genDir, dim, nextID, entries); err != nil {
		os.RemoveAll(genDir)
		return err
	}
	if err := syncDir(genDir); err != nil {
		os.RemoveAll(genDir)
		return err
	}
	err = writeAtomic(filepath.Join(dir, currentFile), func(w io.Writer) error {
		_, err := io.WriteString(w, name+"\n")
		return err
	})
	if err != nil {
		os.RemoveAll(genDir)
		return fmt.Errorf("switch current snapshot: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return err
	}

	// older generations and the pre-generation layout are garbage now
	for g := range gens {
		if g != name {
			os.RemoveAll(filepath.Join(dir, g))
		}
	}
	os.Remove(filepath.Join(dir, vectorsFile))
	os.Remove(filepath.Join(dir, metadataFile))
	return nil
}

// writePair writes the vector file and then the metadata file into dir.
func writePair(dir string, dim int, nextID uint64, entries []entry) error {
	var checksum uint32
	err := writeAtomic(filepath.Join(dir, vectorsFile), func(w io.Writer) error {
		header := make([]byte, 0, headerSize)
		header = append(header, snapshotMagic...)
		header = binary.LittleEndian.AppendUint32(header, snapshotVersion)
		header = binary.LittleEndian.AppendUint32(header, uint32(dim))
		header = binary.LittleEndian.AppendUint64(header, uint64(len(entries)))
		header = binary.LittleEndian.AppendUint64(header, nextID)
		if _, err := w.Write(header); err != nil {
			return err
		}

		crc := crc32.NewIEEE()
		mw := io.MultiWriter(w, crc)
		row := make([]byte, 4*dim)
		for _, e := range entries {
			for i, x := range e.vec {
				binary.LittleEndian.PutUint32(row[4*i:], math.Float32bits(x))
			}
			if _, err := mw.Write(row); err != nil {
				return err
			}
		}
		checksum = crc.Sum32()
		return binary.Write(w, binary.LittleEndian, checksum)
	})
	if err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}

	meta := metaFile{
		Version:   snapshotVersion,
		Dimension: dim,
		Count:     len(entries),
		NextID:    nextID,
		Checksum:  checksum,
		Entries:   make([]metaEntry, len(entries)),
	}
	for i, e := range entries {
		meta.Entries[i] = metaEntry{
			IndexID:  e.id,
			ChunkID:  e.chunk.ChunkID,
			Content:  e.chunk.Content,
			Metadata: e.chunk.Metadata,
		}
	}
	err = writeAtomic(filepath.Join(dir, metadataFile), func(w io.Writer) error {
		return json.NewEncoder(w).Encode(meta)
	})
	if err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// generations returns the generation directories present under dir.
func generations(dir string) (map[string]uint64, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	gens := make(map[string]uint64)
	for _, de := range des {
		if n, ok := parseGeneration(de.Name()); ok && de.IsDir() {
			gens[de.Name()] = n
		}
	}
	return gens, nil
}

func parseGeneration(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, genPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	return n, err == nil
}

// nextGeneration skips past every existing directory, including ones left
// half-written by an interrupted persist.
func nextGeneration(gens map[string]uint64) uint64 {
	var next uint64 = 1
	for _, n := range gens {
		next = max(next, n+1)
	}
	return next
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dir, err)
	}
	return nil
}

func writeAtomic(path string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := fill(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readSnapshot loads the generation named by CURRENT, or the pair stored
// directly in dir when CURRENT is absent. It returns nil without error when
// no snapshot exists. wantDim of zero accepts any dimension.
func readSnapshot(dir string, wantDim int) (*snapshot, error) {
	cur, err := os.ReadFile(filepath.Join(dir, currentFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return readPair(dir, wantDim)
	case err != nil:
		return nil, fmt.Errorf("read current snapshot pointer: %w", err)
	}
	name := strings.TrimSpace(string(cur))
	if _, ok := parseGeneration(name); !ok {
		return nil, corruptf("current snapshot pointer %q is invalid", name)
	}
	genDir := filepath.Join(dir, name)
	if _, err := os.Stat(genDir); err != nil {
		return nil, corruptf("current snapshot %s: %v", name, err)
	}
	return readPair(genDir, wantDim)
}

func readPair(dir string, wantDim int) (*snapshot, error) {
	vecData, vecErr := os.ReadFile(filepath.Join(dir, vectorsFile))
	metaData, metaErr := os.ReadFile(filepath.Join(dir, metadataFile))
	vecMissing := errors.Is(vecErr, fs.ErrNotExist)
	metaMissing := errors.Is(metaErr, fs.ErrNotExist)

	switch {
	case vecMissing && metaMissing:
		return nil, nil
	case vecMissing:
		return nil, corruptf("vector file missing")
	case metaMissing:
		return nil, corruptf("metadata file missing")
	case vecErr != nil:
		return nil, fmt.Errorf("read vectors: %w", vecErr)
	case metaErr != nil:
		return nil, fmt.Errorf("read metadata: %w", metaErr)
	}

	if len(vecData) < headerSize+4 {
		return nil, corruptf("vector file truncated")
	}
	if string(vecData[:4]) != snapshotMagic {
		return nil, corruptf("bad magic")
	}
	if v := binary.LittleEndian.Uint32(vecData[4:]); v != snapshotVersion {
		return nil, corruptf("unsupported version %d", v)
	}
	dim := int(binary.LittleEndian.Uint32(vecData[8:]))
	rows := binary.LittleEndian.Uint64(vecData[12:])
	nextID := binary.LittleEndian.Uint64(vecData[20:])

	if dim == 0 && rows > 0 {
		return nil, corruptf("zero dimension with %d rows", rows)
	}
	if wantDim != 0 && dim != wantDim && rows > 0 {
		return nil, corruptf("dimension %d does not match configured %d", dim, wantDim)
	}
	matrixSize := uint64(dim) * 4 * rows
	if rows > 0 && matrixSize/rows != uint64(dim)*4 {
		return nil, corruptf("matrix size overflows")
	}
	if uint64(len(vecData)) != uint64(headerSize)+matrixSize+4 {
		return nil, corruptf("vector file has %d bytes, want %d", len(vecData), uint64(headerSize)+matrixSize+4)
	}
	matrix := vecData[headerSize : headerSize+int(matrixSize)]
	checksum := binary.LittleEndian.Uint32(vecData[headerSize+int(matrixSize):])
	if crc32.ChecksumIEEE(matrix) != checksum {
		return nil, corruptf("vector checksum mismatch")
	}

	var meta metaFile
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, corruptf("decode metadata: %v", err)
	}
	if meta.Dimension != dim || uint64(meta.Count) != rows || uint64(len(meta.Entries)) != rows ||
		meta.NextID != nextID || meta.Checksum != checksum {
		return nil, corruptf("metadata does not match vector file")
	}

	snap := &snapshot{dimension: dim, nextID: nextID, entries: make([]entry, rows)}
	seen := make(map[string]struct{}, rows)
	for i, m := range meta.Entries {
		if m.IndexID >= nextID || (i > 0 && m.IndexID <= meta.Entries[i-1].IndexID) {
			return nil, corruptf("index id %d out of order", m.IndexID)
		}
		if _, dup := seen[m.ChunkID]; dup {
			return nil, corruptf("duplicate chunk id %q", m.ChunkID)
		}
		seen[m.ChunkID] = struct{}{}

		vec := make([]float32, dim)
		row := matrix[i*4*dim:]
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(row[4*j:]))
		}
		snap.entries[i] = entry{
			id:    m.IndexID,
			chunk: domain.Chunk{ChunkID: m.ChunkID, Content: m.Content, Metadata: m.Metadata},
			vec:   vec,
		}
	}
	return snap, nil
}

// removeSnapshot drops the pointer first so a partial removal never leaves
// CURRENT naming a deleted generation.
func removeSnapshot(dir string) error {
	for _, name := range []string{currentFile, metadataFile, vectorsFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove snapshot: %w", err)
		}
	}
	gens, err := generations(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	for g := range gens {
		if err := os.RemoveAll(filepath.Join(dir, g)); err != nil {
			return fmt.Errorf("remove snapshot: %w", err)
		}
	}
	return nil
}

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrCorruptIndex, fmt.Sprintf(format, args...))
}
