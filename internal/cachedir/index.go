package cachedir

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kobjcache/kobjcache/internal/common"
	"github.com/kobjcache/kobjcache/internal/digest"
)

// IndexMagic identifies the directory index format on disk.
const IndexMagic = "kObjCache-v0.1.0"

// Record maps one compiler invocation's argv signature to the cache entry
// file that holds its result, so a sibling translation unit built with the
// same argv (modulo scrubbed output paths) can find it without recompiling.
// Key is the entry's own stable id (CacheEntry.Key), cross-referenced here so
// a caller holding a key never has to open the entry file just to confirm
// identity. Chain is a snapshot of the entry's accepted preprocessor-digest
// chain as of the last insert, used to reject candidates whose preprocessor
// digest isn't in it without having to open the entry file first. AbsPath
// and/or RelPath (relative to the Dir's root) locate the entry file; at least
// one of the two is always set.
type Record struct {
	Key     uint32
	ArgvSum digest.Digest
	Chain   []digest.Digest
	Target  string
	AbsPath string
	RelPath string
}

// Index is the in-memory form of the directory's index file. NextKey is the
// smallest key not yet known to be in use; InsertEntry advances it every time
// it allocates one, and it's persisted alongside the records so keys stay
// unique across restarts rather than just within one process's lifetime.
type Index struct {
	Generation uint64
	NextKey    uint32
	Records    []Record
}

// Dir is a shared cache directory: a root path holding one index file (guarded
// by an advisory lock) and the CacheEntry files it indexes.
type Dir struct {
	root      string
	indexPath string
	lockPath  string
}

// Open prepares a Dir rooted at path, creating the directory if needed. It does
// not itself touch the index file — that happens lazily, under the lock, the
// first time it's needed.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &Dir{
		root:      path,
		indexPath: filepath.Join(path, "index"),
		lockPath:  filepath.Join(path, ".lock"),
	}, nil
}

// OpenFile prepares a Dir whose index lives at an explicit path (the CLI's
// "-c PATH" form, as opposed to "-d DIR" where the index filename is derived).
// Sibling entries are still resolved relative to indexPath's directory.
func OpenFile(indexPath string) (*Dir, error) {
	root := filepath.Dir(indexPath)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Dir{
		root:      root,
		indexPath: indexPath,
		lockPath:  indexPath + ".lock",
	}, nil
}

// Root returns the directory's root path.
func (d *Dir) Root() string { return d.root }

// IsNew reports whether the directory has no index yet (or an empty one): the
// signal the orchestrator uses to decide a clean build can run the
// preprocessor and compiler as a single tee pipeline instead of preprocessing
// to a buffer first, since there's no prior entry a digest match could save a
// compile against anyway.
func (d *Dir) IsNew() bool {
	info, err := os.Stat(d.indexPath)
	return err != nil || info.Size() == 0
}

// WithLock runs fn while holding the directory's exclusive advisory lock. Every
// read-modify-write of the index must happen inside a WithLock call, so that
// two sibling kobjcache processes building different translation units from
// the same directory never interleave their updates.
func (d *Dir) WithLock(fn func() error) error {
	lock, err := openLock(d.lockPath)
	if err != nil {
		return err
	}
	defer lock.Close()

	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	return fn()
}

// loadIndex reads the index file. A missing or corrupt index is not an error —
// it self-heals to an empty index at generation 0, matching the spec's
// directive that a damaged shared directory must never fail a build, only
// cost it cache hits. Must be called with the lock held.
func (d *Dir) loadIndex() *Index {
	f, err := os.Open(d.indexPath)
	if err != nil {
		return &Index{}
	}
	defer f.Close()

	idx, err := parseIndex(f)
	if err != nil {
		return &Index{}
	}
	return idx
}

// rawRecord accumulates one index record's "-#i" suffixed fields while
// parseIndex scans, since they can appear in any order and sum-#i repeats
// once per chain digest.
type rawRecord struct {
	absPath    string
	relPath    string
	key        uint32
	hasKey     bool
	target     string
	hasTarget  bool
	argvSum    string
	hasArgvSum bool
	sums       []string
}

func parseIndex(f *os.File) (*Index, error) {
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	idx := &Index{}
	sawMagic := false
	sawEnd := false
	digestsCount := -1
	records := map[int]*rawRecord{}

	getRec := func(i int) *rawRecord {
		r, ok := records[i]
		if !ok {
			r = &rawRecord{}
			records[i] = r
		}
		return r
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("cachedir: malformed index line %q", line)
		}

		switch {
		case key == "magic":
			if value != IndexMagic {
				return nil, fmt.Errorf("cachedir: unrecognized index magic %q", value)
			}
			sawMagic = true
		case key == "generation":
			gen, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, err
			}
			idx.Generation = gen
		case key == "next-key":
			nk, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, err
			}
			idx.NextKey = uint32(nk)
		case key == "digests":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("cachedir: bad digests count %q", value)
			}
			digestsCount = n
		case key == "the-end":
			if value != "fine" {
				return nil, fmt.Errorf("cachedir: bad index terminator")
			}
			sawEnd = true
		case strings.HasPrefix(key, "digest-abs-#"):
			i, err := indexSuffix(key, "digest-abs-#")
			if err != nil {
				return nil, err
			}
			getRec(i).absPath = value
		case strings.HasPrefix(key, "digest-rel-#"):
			i, err := indexSuffix(key, "digest-rel-#")
			if err != nil {
				return nil, err
			}
			getRec(i).relPath = value
		case strings.HasPrefix(key, "key-#"):
			i, err := indexSuffix(key, "key-#")
			if err != nil {
				return nil, err
			}
			kv, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, err
			}
			r := getRec(i)
			r.key = uint32(kv)
			r.hasKey = true
		case strings.HasPrefix(key, "target-#"):
			i, err := indexSuffix(key, "target-#")
			if err != nil {
				return nil, err
			}
			r := getRec(i)
			r.target = value
			r.hasTarget = true
		case strings.HasPrefix(key, "comp-argv-sum-#"):
			i, err := indexSuffix(key, "comp-argv-sum-#")
			if err != nil {
				return nil, err
			}
			r := getRec(i)
			r.argvSum = value
			r.hasArgvSum = true
		case strings.HasPrefix(key, "sum-#"):
			i, err := indexSuffix(key, "sum-#")
			if err != nil {
				return nil, err
			}
			r := getRec(i)
			r.sums = append(r.sums, value)
		default:
			return nil, fmt.Errorf("cachedir: unknown index key %q", key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawMagic || !sawEnd || digestsCount < 0 {
		return nil, fmt.Errorf("cachedir: incomplete index")
	}

	idx.Records = make([]Record, 0, digestsCount)
	for i := 0; i < digestsCount; i++ {
		r, ok := records[i]
		if !ok {
			return nil, fmt.Errorf("cachedir: missing index record #%d", i)
		}
		if r.absPath == "" && r.relPath == "" {
			return nil, fmt.Errorf("cachedir: index record #%d has no path", i)
		}
		if !r.hasKey || r.key == 0 {
			return nil, fmt.Errorf("cachedir: index record #%d missing key", i)
		}
		if !r.hasTarget || !r.hasArgvSum || len(r.sums) == 0 {
			return nil, fmt.Errorf("cachedir: index record #%d incomplete", i)
		}
		argvSum, ok := digest.Parse(r.argvSum)
		if !ok {
			return nil, fmt.Errorf("cachedir: bad comp-argv-sum-#%d", i)
		}
		chain := make([]digest.Digest, 0, len(r.sums))
		for _, s := range r.sums {
			d, ok := digest.Parse(s)
			if !ok {
				return nil, fmt.Errorf("cachedir: bad sum-#%d", i)
			}
			chain = append(chain, d)
		}
		idx.Records = append(idx.Records, Record{
			Key:     r.key,
			ArgvSum: argvSum,
			Chain:   chain,
			Target:  r.target,
			AbsPath: r.absPath,
			RelPath: r.relPath,
		})
	}
	return idx, nil
}

func indexSuffix(key, prefix string) (int, error) {
	i, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
	if err != nil {
		return 0, fmt.Errorf("cachedir: bad index key %q", key)
	}
	return i, nil
}

// saveIndex atomically rewrites the index file. Must be called with the lock held.
func (d *Dir) saveIndex(idx *Index) error {
	tmp, err := common.OpenTempFile(d.indexPath)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "magic=%s\n", IndexMagic)
	fmt.Fprintf(w, "generation=%d\n", idx.Generation)
	fmt.Fprintf(w, "next-key=%d\n", idx.NextKey)
	fmt.Fprintf(w, "digests=%d\n", len(idx.Records))
	for i, rec := range idx.Records {
		if rec.AbsPath != "" {
			fmt.Fprintf(w, "digest-abs-#%d=%s\n", i, rec.AbsPath)
		}
		if rec.RelPath != "" {
			fmt.Fprintf(w, "digest-rel-#%d=%s\n", i, rec.RelPath)
		}
		fmt.Fprintf(w, "key-#%d=%d\n", i, rec.Key)
		fmt.Fprintf(w, "target-#%d=%s\n", i, rec.Target)
		fmt.Fprintf(w, "comp-argv-sum-#%d=%s\n", i, rec.ArgvSum.Format())
		for _, dg := range rec.Chain {
			fmt.Fprintf(w, "sum-#%d=%s\n", i, dg.Format())
		}
	}
	fmt.Fprintf(w, "the-end=fine\n")

	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, d.indexPath)
}

// Validator opens and validates the cache entry at an absolute path, returning
// its object file's absolute path on success. It exists so cachedir doesn't
// need to import cacheentry's on-disk format directly — the orchestrator
// supplies it, already wired to cacheentry.Read plus the object-exists check.
type Validator func(entryAbsPath string) (objAbsPath string, ok bool)

// FindMatchingEntry scans the index under lock for a record whose argv
// signature matches argvSum and whose chain contains cppSum, opens and
// validates the referenced entry with validate, and returns its object path.
// Records that fail validation are purged from the index (and the index is
// rewritten) as a side effect, same as a stale record the teacher's FileCache
// would simply evict.
func (d *Dir) FindMatchingEntry(argvSum, cppSum digest.Digest, validate Validator) (objAbsPath string, entryAbsPath string, found bool) {
	d.WithLock(func() error {
		idx := d.loadIndex()
		dirty := false

		kept := idx.Records[:0]
		for _, rec := range idx.Records {
			if found || !digest.Equal(rec.ArgvSum, argvSum) || !chainContains(rec.Chain, cppSum) {
				kept = append(kept, rec)
				continue
			}

			abs := d.recordAbsPath(rec)
			if obj, ok := validate(abs); ok {
				objAbsPath = obj
				entryAbsPath = abs
				found = true
				kept = append(kept, rec)
				continue
			}
			dirty = true // drop the stale record
		}
		idx.Records = kept

		if dirty {
			idx.Generation++
			return d.saveIndex(idx)
		}
		return nil
	})
	return objAbsPath, entryAbsPath, found
}

// clean re-validates every record in idx, purging any that no longer check
// out, reporting whether anything was purged. It only runs every N=19
// generations once the index holds at least 16 digests — the periodic
// maintenance pass from spec.md §4.5, cheap enough to piggyback on whichever
// write happened to land on a matching generation rather than needing its own
// schedule.
func (d *Dir) clean(idx *Index, validate Validator) bool {
	if len(idx.Records) < 16 || idx.Generation%19 != 0 {
		return false
	}

	kept := idx.Records[:0]
	dirty := false
	for _, rec := range idx.Records {
		if _, ok := validate(d.recordAbsPath(rec)); ok {
			kept = append(kept, rec)
			continue
		}
		dirty = true
	}
	idx.Records = kept
	return dirty
}

func chainContains(chain []digest.Digest, d digest.Digest) bool {
	for _, c := range chain {
		if digest.Equal(c, d) {
			return true
		}
	}
	return false
}

// RemoveEntry drops any record pointing at absPath or relPath, whichever is
// non-empty (at least one must be given).
func (d *Dir) RemoveEntry(absPath, relPath string) error {
	return d.WithLock(func() error {
		idx := d.loadIndex()
		kept := idx.Records[:0]
		removed := false
		for _, rec := range idx.Records {
			if samePath(rec, absPath, relPath) {
				removed = true
				continue
			}
			kept = append(kept, rec)
		}
		if !removed {
			return nil
		}
		idx.Records = kept
		idx.Generation++
		return d.saveIndex(idx)
	})
}

// InsertEntry records (or replaces) argvSum/target/chain for the entry at
// absPath and/or relPath (at least one must be non-empty), bumps the
// directory's generation counter, and runs the periodic clean() sweep. If
// that generation happens to land on clean's schedule, it uses the same
// validate callback. entryKey carries forward the CacheEntry's own stable id
// (0 if the entry doesn't have one yet, e.g. its first-ever write); InsertEntry
// allocates a fresh non-zero key in that case, or when entryKey collides with
// a different path's existing record, and returns whichever key actually
// ended up in the index so the caller can persist it back into the CacheEntry.
func (d *Dir) InsertEntry(entryKey uint32, argvSum digest.Digest, target string, chain []digest.Digest, absPath, relPath string, validate Validator) (uint32, error) {
	var assigned uint32
	err := d.WithLock(func() error {
		idx := d.loadIndex()

		matchIdx := -1
		for i, rec := range idx.Records {
			if samePath(rec, absPath, relPath) {
				matchIdx = i
				break
			}
		}

		key := entryKey
		collides := false
		for i, rec := range idx.Records {
			if i != matchIdx && rec.Key == key {
				collides = true
				break
			}
		}
		if key == 0 || collides {
			key = allocateKey(idx)
		}
		assigned = key

		rec := Record{Key: key, ArgvSum: argvSum, Target: target, Chain: chain, AbsPath: absPath, RelPath: relPath}
		if matchIdx >= 0 {
			idx.Records[matchIdx] = rec
		} else {
			idx.Records = append(idx.Records, rec)
		}
		if key >= idx.NextKey {
			idx.NextKey = key + 1
		}
		idx.Generation++

		if validate != nil {
			d.clean(idx, validate)
		}
		return d.saveIndex(idx)
	})
	return assigned, err
}

func samePath(rec Record, absPath, relPath string) bool {
	if absPath != "" && rec.AbsPath == absPath {
		return true
	}
	if relPath != "" && rec.RelPath == relPath {
		return true
	}
	return false
}

func keyInUse(idx *Index, key uint32) bool {
	for _, r := range idx.Records {
		if r.Key == key {
			return true
		}
	}
	return false
}

// allocateKey returns a fresh non-zero key not already used by any record in
// idx, advancing idx.NextKey past it.
func allocateKey(idx *Index) uint32 {
	k := idx.NextKey
	if k == 0 {
		k = 1
	}
	for keyInUse(idx, k) {
		k++
		if k == 0 { // wrapped around uint32, zero is reserved
			k = 1
		}
	}
	idx.NextKey = k + 1
	return k
}

// recordAbsPath resolves a record to an absolute path, preferring its
// directly-recorded absolute path over joining its relative one to the root.
func (d *Dir) recordAbsPath(rec Record) string {
	if rec.AbsPath != "" {
		return rec.AbsPath
	}
	return filepath.Join(d.root, rec.RelPath)
}

// EntryAbsPath resolves a path recorded relative to the Dir's root to an
// absolute path.
func (d *Dir) EntryAbsPath(relPath string) string {
	return filepath.Join(d.root, relPath)
}
