package parser

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/notch8/bulkrax/internal/archive"
	"github.com/notch8/bulkrax/internal/failure"
	"github.com/notch8/bulkrax/internal/mapping"
)

// Bagit reads BagIt packages: a single bag, a directory of bags, or a zip of
// either. Each bag carries one metadata file (XML or CSV); the rest of its
// payload becomes the record's files.
type Bagit struct {
	path           string
	metadataFile   string
	metadataFormat string
	workDir        string
	mapper         *mapping.Mapper
	logger         *slog.Logger

	mu       sync.Mutex
	resolved string
}

// NewBagit returns a BagIt parser.
func NewBagit(opts Options) *Bagit {
	return &Bagit{
		path:           opts.Fields.ImportFilePath,
		metadataFile:   opts.Fields.MetadataFileName,
		metadataFormat: strings.ToLower(opts.Fields.MetadataFormat),
		workDir:        opts.WorkDir,
		mapper:         opts.Mapper,
		logger:         opts.Logger,
	}
}

// root returns the directory holding the bags, unzipping once if needed.
func (p *Bagit) root() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved != "" {
		return p.resolved, nil
	}

	info, err := os.Stat(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", failure.Configuration(fmt.Sprintf("import path %s not found", p.path))
		}
		return "", failure.Infrastructure("parser: stat bag path", err)
	}
	if info.IsDir() {
		p.resolved = p.path
		return p.resolved, nil
	}
	if !strings.EqualFold(filepath.Ext(p.path), ".zip") {
		return "", failure.Configuration(fmt.Sprintf("import path %s must be a directory or a zip file", p.path))
	}

	workDir := p.workDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "bulkrax")
	}
	dest := filepath.Join(workDir, strings.TrimSuffix(filepath.Base(p.path), filepath.Ext(p.path)))
	if err := os.RemoveAll(dest); err != nil {
		return "", failure.Infrastructure("parser: clear unzip dir", err)
	}
	if err := archive.Unzip(p.path, dest); err != nil {
		return "", failure.Infrastructure("parser: unzip bags", err)
	}
	p.logger.Debug("unzipped bags", "src", p.path, "dest", dest)
	p.resolved = dest
	return dest, nil
}

// findBags returns every directory under root containing bagit.txt, in
// lexical order. Bags are not searched for nested bags.
func findBags(root string) ([]string, error) {
	var bags []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if _, err := os.Stat(filepath.Join(path, "bagit.txt")); err == nil {
			bags = append(bags, path)
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, failure.Infrastructure("parser: find bags", err)
	}
	return bags, nil
}

func newManifestHash(alg string) (hash.Hash, bool) {
	switch alg {
	case "md5":
		return md5.New(), true
	case "sha1":
		return sha1.New(), true
	case "sha256":
		return sha256.New(), true
	case "sha512":
		return sha512.New(), true
	}
	return nil, false
}

// verifyBag checks every payload manifest of bag against the files on disk.
func verifyBag(bag string) error {
	manifests, err := filepath.Glob(filepath.Join(bag, "manifest-*.txt"))
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		return fmt.Errorf("no payload manifest")
	}
	for _, m := range manifests {
		alg := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "manifest-"), ".txt")
		if _, ok := newManifestHash(alg); !ok {
			return fmt.Errorf("unsupported manifest algorithm %q", alg)
		}
		if err := verifyManifest(bag, m, alg); err != nil {
			return err
		}
	}
	return nil
}

func verifyManifest(bag, manifest, alg string) error {
	f, err := os.Open(manifest)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		sum, rel, ok := strings.Cut(line, " ")
		if !ok {
			return fmt.Errorf("%s: malformed line %q", filepath.Base(manifest), line)
		}
		rel = strings.TrimPrefix(strings.TrimSpace(rel), "*")
		got, err := fileChecksum(filepath.Join(bag, filepath.FromSlash(rel)), alg)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		if !strings.EqualFold(got, sum) {
			return fmt.Errorf("%s: %s checksum mismatch", rel, alg)
		}
	}
	return sc.Err()
}

func fileChecksum(path, alg string) (string, error) {
	h, _ := newManifestHash(alg)
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// metadataPath locates the bag's metadata file, preferring data/.
func (p *Bagit) metadataPath(bag string) (string, bool) {
	for _, candidate := range []string{
		filepath.Join(bag, "data", p.metadataFile),
		filepath.Join(bag, p.metadataFile),
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

func (p *Bagit) isCSV(mdPath string) bool {
	if p.metadataFormat != "" {
		return p.metadataFormat == "csv"
	}
	return strings.EqualFold(filepath.Ext(mdPath), ".csv")
}

// payloadFiles lists the bag's payload files other than the metadata file.
func payloadFiles(bag, mdPath string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(filepath.Join(bag, "data"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() && path != mdPath {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (p *Bagit) Records(ctx context.Context, _ RecordOpts) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		root, err := p.root()
		if err != nil {
			yield(Record{}, err)
			return
		}
		bags, err := findBags(root)
		if err != nil {
			yield(Record{}, err)
			return
		}
		for _, bag := range bags {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !p.bagRecords(ctx, bag, yield) {
				return
			}
		}
	}
}

// bagRecords yields the records of one bag; false stops the outer pass.
func (p *Bagit) bagRecords(ctx context.Context, bag string, yield func(Record, error) bool) bool {
	mdPath, ok := p.metadataPath(bag)
	if !ok {
		p.logger.Warn("bag has no metadata file", "bag", bag, "metadata_file", p.metadataFile)
		return true
	}
	files, err := payloadFiles(bag, mdPath)
	if err != nil {
		return yield(Record{}, failure.Infrastructure("parser: list bag payload", err))
	}

	if p.isCSV(mdPath) {
		f, err := os.Open(mdPath)
		if err != nil {
			return yield(Record{}, failure.Infrastructure("parser: open bag metadata", err))
		}
		defer f.Close()
		cr, err := newCSVReader(f, filepath.Dir(mdPath), p.mapper)
		if err != nil {
			return yield(Record{}, err)
		}
		stopped := false
		cr.each(ctx, func(rec Record, err error) bool {
			if err == nil && len(rec.Files) == 0 {
				rec.Files = files
			}
			if !yield(rec, err) {
				stopped = true
				return false
			}
			return true
		})
		return !stopped
	}

	data, err := readText(mdPath)
	if err != nil {
		return yield(Record{}, failure.Infrastructure("parser: read bag metadata", err))
	}
	rec, err := p.xmlRecord(data)
	if err != nil {
		return yield(Record{}, fmt.Errorf("parser: bag %s: %w", bag, err))
	}
	rec.Files = files
	return yield(rec, nil)
}

func (p *Bagit) xmlRecord(payload string) (Record, error) {
	root, err := mapping.ParseXML(payload)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Identifier: root.First(p.mapper.Aliases(mapping.FieldSourceIdentifier)...),
		XML:        payload,
	}
	for _, n := range root.FindAll(mapping.FieldCollection) {
		rec.Collections = append(rec.Collections, splitList(collectionSplit, n.Value())...)
	}
	for _, n := range root.FindAll(mapping.FieldChildren) {
		rec.Children = append(rec.Children, splitList(childrenSplit, n.Value())...)
	}
	return rec, nil
}

// Validate checks that there is at least one bag, that every bag's manifests
// verify, and that every record carries the required fields.
func (p *Bagit) Validate(ctx context.Context) error {
	root, err := p.root()
	if err != nil {
		return err
	}
	bags, err := findBags(root)
	if err != nil {
		return err
	}
	if len(bags) == 0 {
		return failure.Configuration(fmt.Sprintf("no bags found in %s", p.path))
	}
	for _, bag := range bags {
		if err := verifyBag(bag); err != nil {
			return failure.Configuration(fmt.Sprintf("invalid bag %s: %v", filepath.Base(bag), err))
		}
		if _, ok := p.metadataPath(bag); !ok {
			return failure.Configuration(fmt.Sprintf("bag %s is missing %s", filepath.Base(bag), p.metadataFile))
		}
	}

	titles := p.mapper.Aliases(mapping.FieldTitle)
	for rec, err := range p.Records(ctx, RecordOpts{}) {
		if err != nil {
			return err
		}
		if rec.Identifier == "" || !hasAny(rec, titles) {
			return missingRequired()
		}
	}
	return nil
}

func (p *Bagit) Total(ctx context.Context) (int, error) {
	return countRecords(ctx, p)
}

func (p *Bagit) Collections(ctx context.Context) ([]string, error) {
	return collectCollections(ctx, p)
}

// hasAny reports whether rec has a non-blank value under any of names.
func hasAny(rec Record, names []string) bool {
	if rec.XML != "" {
		root, err := mapping.ParseXML(rec.XML)
		return err == nil && root.First(names...) != ""
	}
	for k, v := range rec.Fields {
		if strings.TrimSpace(v) == "" {
			continue
		}
		key := mapping.Key(k)
		for _, n := range names {
			if key == n {
				return true
			}
		}
	}
	return false
}
