package ember

import (
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alpoloz/ember/internal/emberlog"
	"github.com/alpoloz/ember/internal/embermetrics"
)

// defaultPageSize is used for newly created database files.
const defaultPageSize = 4096

// defaultKeySizeFraction sets the default per-key ceiling relative to
// the database's page size: a key may be at most pageSize/defaultKeySizeFraction
// bytes unless Options.MaxKeySize overrides it.
const defaultKeySizeFraction = 4

// defaultFillFactor is the target minimum fill factor a split aims to
// leave each resulting node at, unless Options.FillFactor overrides it.
const defaultFillFactor = 0.5

// initialMmapSize is the smallest region ever mapped, chosen so most
// databases never need a remap at all during their first few commits.
const initialMmapSize = 1 << 20

// maxMmapStep caps how much a single growth step adds once the mapping
// exceeds it; below it, mapping size doubles.
const maxMmapStep = 1 << 30

// Options configures Open.
type Options struct {
	// ReadOnly opens the file without an exclusive lock and refuses any
	// writable transaction.
	ReadOnly bool

	// Timeout bounds how long Open waits to acquire the file's advisory
	// lock. Zero means try once and fail immediately if held.
	Timeout time.Duration

	// NoSync skips fsync/msync after writing data and meta pages. It
	// trades crash durability for throughput and should only be used
	// when the caller has another durability mechanism.
	NoSync bool

	// PageSize sets the page size for a newly created file. Ignored
	// when opening an existing one, whose page size was fixed at
	// creation. Zero uses defaultPageSize.
	PageSize int

	// StrictMode stamps both meta pages of a newly created file with
	// metaFlagStrict; commits carry a file's existing flags forward
	// unchanged, so it has no effect when opening an existing file.
	// The flag is not consulted by any validation.
	StrictMode bool

	// InitialMmapSize overrides the smallest region ever mapped. Zero
	// uses initialMmapSize.
	InitialMmapSize int

	// MaxKeySize overrides the largest key Put/CreateBucket will accept.
	// Zero uses the default of pageSize/4.
	MaxKeySize int

	// FillFactor overrides the target minimum fill factor a node split
	// aims to leave each resulting piece at. Zero uses defaultFillFactor.
	FillFactor float64

	// Logger receives structured events for open/commit/close. Defaults
	// to a disabled logger.
	Logger emberlog.Logger

	// MetricsRegisterer, if set, registers the database's Prometheus
	// collectors (ember_tx_total, ember_pages_allocated_total, etc.)
	// against it. Nil keeps the collectors unregistered; they are still
	// updated in-process. Stats() does not read them.
	MetricsRegisterer prometheus.Registerer
}

// Database is a single memory-mapped file holding one copy-on-write
// B+ tree per bucket, made crash-atomic by two alternating meta pages.
// A Database supports any number of concurrent read transactions and
// at most one writable transaction at a time.
type Database struct {
	path       string
	file       *os.File
	readOnly   bool
	noSync     bool
	strict     bool
	pageSize   int
	minMmap    int
	maxKeySize int
	fillFactor float64

	current *mapping

	meta0, meta1 *meta
	freelist     *freelist

	rwlock   sync.Mutex
	mmapLock sync.RWMutex

	txid      txid
	readersMu sync.Mutex
	readers   map[*Tx]txid

	opened  bool
	logger  emberlog.Logger
	metrics *embermetrics.Metrics
}

// Open creates (if necessary) and opens the database file at path.
func Open(path string, opts *Options) (db *Database, err error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = emberlog.Default()
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			file.Close()
		}
	}()

	if err = flock(file, !opts.ReadOnly, opts.Timeout); err != nil {
		return nil, err
	}

	fillFactor := opts.FillFactor
	if fillFactor <= 0 || fillFactor >= 1 {
		fillFactor = defaultFillFactor
	}

	db = &Database{
		path:       path,
		file:       file,
		readOnly:   opts.ReadOnly,
		noSync:     opts.NoSync,
		strict:     opts.StrictMode,
		minMmap:    opts.InitialMmapSize,
		maxKeySize: opts.MaxKeySize,
		fillFactor: fillFactor,
		readers:    make(map[*Tx]txid),
		logger:     logger,
		metrics:    embermetrics.New(opts.MetricsRegisterer),
	}

	info, statErr := file.Stat()
	if statErr != nil {
		err = statErr
		funlock(file)
		return nil, err
	}

	if info.Size() == 0 {
		if opts.ReadOnly {
			err = ErrInvalid
			funlock(file)
			return nil, err
		}
		pageSize := opts.PageSize
		if pageSize <= 0 {
			pageSize = defaultPageSize
		}
		if err = db.init(pageSize); err != nil {
			funlock(file)
			return nil, err
		}
		if info, statErr = file.Stat(); statErr != nil {
			err = statErr
			funlock(file)
			return nil, err
		}
	}

	if err = db.mmapFile(int(info.Size())); err != nil {
		funlock(file)
		return nil, err
	}
	if err = db.loadMeta(); err != nil {
		db.current.release()
		funlock(file)
		return nil, err
	}
	if err = db.loadFreelist(); err != nil {
		db.current.release()
		funlock(file)
		return nil, err
	}

	if db.maxKeySize <= 0 {
		db.maxKeySize = db.pageSize / defaultKeySizeFraction
	}

	db.opened = true
	logger.Info().Str("path", path).Int("page_size", db.pageSize).Uint64("txid", uint64(db.txid)).Msg("database opened")
	return db, nil
}

// init lays down the three bootstrap pages (two meta copies and an
// empty freelist) for a brand new file. The root bucket itself starts
// completely empty: it earns its first page lazily, at the first
// write transaction's commit.
func (db *Database) init(pageSize int) error {
	db.pageSize = pageSize
	buf := make([]byte, pageSize*3)

	var flags uint32
	if db.strict {
		flags = metaFlagStrict
	}

	m0 := &meta{magic: magicNumber, version: fileVersion, pageSize: uint32(pageSize), flags: flags, freelist: freelistPage0, numPages: 3, txid: 0}
	m0.write(buf[0:pageSize], metaPage0)
	m1 := &meta{magic: magicNumber, version: fileVersion, pageSize: uint32(pageSize), flags: flags, freelist: freelistPage0, numPages: 3, txid: 1}
	m1.write(buf[pageSize:pageSize*2], metaPage1)
	writeFreelistPage(buf[pageSize*2:pageSize*3], nil, pageSize)

	if _, err := db.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return db.file.Sync()
}

// mmapSize rounds want up to a size chosen to make remaps rare:
// doubling below maxMmapStep, then growing by maxMmapStep increments.
func (db *Database) mmapSize(want int) int {
	base := db.minMmap
	if base <= 0 {
		base = initialMmapSize
	}
	if want <= base {
		return base
	}
	size := base
	for size < want {
		if size < maxMmapStep {
			size *= 2
		} else {
			size += maxMmapStep
		}
	}
	return size
}

// mmapFile installs a brand new mapping covering at least minsz bytes,
// truncating the file to the new, larger size first. The previous
// mapping, if any, only has the database's own reference to it dropped
// here — it is not unmapped until every transaction that separately
// acquired it (via Begin, before this swap) has released its hold too.
func (db *Database) mmapFile(minsz int) error {
	size := db.mmapSize(minsz)
	data, mm, err := mmapOpen(db.file, size)
	if err != nil {
		return err
	}
	old := db.current
	db.current = newMapping(mm, data)
	if old != nil {
		old.release()
	}
	return nil
}

// growTo ensures the mapping covers at least minsz bytes, installing a
// new mapping under an exclusive lock if it does not. The previous
// mapping is reference-counted (see mapping.go): any read transaction
// that acquired it before the swap keeps a live, valid slice into it
// until that transaction ends, so a commit that grows the file never
// invalidates a concurrent reader's view.
func (db *Database) growTo(minsz int) error {
	db.mmapLock.Lock()
	defer db.mmapLock.Unlock()
	if minsz <= len(db.current.data) {
		return nil
	}
	return db.mmapFile(minsz)
}

// syncData flushes pending writes made through positioned file I/O
// (flushDirty/writeMeta write via file.WriteAt, never through the
// mapping, which stays read-only for the whole process) to stable
// storage.
func (db *Database) syncData() error {
	if db.noSync {
		return nil
	}
	if err := fdatasync(db.file); err != nil {
		return ErrSync
	}
	return nil
}

// loadMeta parses both meta pages. m0 always lives at absolute offset
// zero, which lets it be read before the page size (stored inside it)
// is known; m1's offset then follows from that page size.
func (db *Database) loadMeta() error {
	data := db.current.data
	if len(data) < pageHeaderSize+metaSize {
		return ErrInvalid
	}
	m0 := readMetaPage(data[0 : pageHeaderSize+metaSize])
	var m0Valid = m0.validate() == nil

	pageSize := int(m0.pageSize)
	if !m0Valid || pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if len(data) < pageSize*2 {
		return ErrInvalid
	}
	m1 := readMetaPage(data[pageSize : pageSize+pageHeaderSize+metaSize])
	m1Valid := m1.validate() == nil

	if !m0Valid && !m1Valid {
		return ErrInvalid
	}
	if !m0Valid {
		m0 = m1
	}
	if !m1Valid {
		m1 = m0
	}

	db.pageSize = pageSize
	db.meta0, db.meta1 = m0, m1
	db.txid = db.activeMeta().txid
	return nil
}

func (db *Database) activeMeta() *meta {
	if db.meta1.txid > db.meta0.txid {
		return db.meta1
	}
	return db.meta0
}

func (db *Database) loadFreelist() error {
	buf, err := db.readPage(db.activeMeta().freelist)
	if err != nil {
		return err
	}
	db.freelist = newFreelist()
	db.freelist.ids = readFreelistPage(buf)
	return nil
}

// readPage returns the byte range for page id, spanning however many
// contiguous physical pages its header's overflow field reports.
func (db *Database) readPage(id pgid) ([]byte, error) {
	data := db.current.data
	off := int(id) * db.pageSize
	if off < 0 || off+pageHeaderSize > len(data) {
		return nil, ErrInvalid
	}
	hdr := loadPage(data[off : off+pageHeaderSize])
	span := (1 + int(hdr.overflow)) * db.pageSize
	if off+span > len(data) {
		return nil, ErrInvalid
	}
	return data[off : off+span], nil
}

// Close flushes nothing further (every committed transaction is
// already durable) and releases the file and its advisory lock.
func (db *Database) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()
	if !db.opened {
		return nil
	}
	db.opened = false

	var err error
	if db.current != nil {
		err = mmapClose(db.current.mm)
	}
	if ferr := funlock(db.file); err == nil {
		err = ferr
	}
	if cerr := db.file.Close(); err == nil {
		err = cerr
	}
	db.logger.Info().Str("path", db.path).Msg("database closed")
	return err
}

// Begin starts a new transaction. At most one writable transaction may
// be open at a time; Begin(true) blocks until any other one finishes.
func (db *Database) Begin(writable bool) (*Tx, error) {
	if !db.opened {
		return nil, ErrDatabaseNotOpen
	}
	if writable && db.readOnly {
		return nil, ErrTxReadOnly
	}
	if writable {
		db.rwlock.Lock()
	}

	db.mmapLock.RLock()
	mp := db.current
	mp.acquire()
	m := db.activeMeta().copy()
	db.mmapLock.RUnlock()

	tx := &Tx{db: db, writable: writable, meta: m, mapping: mp, data: mp.data}
	if writable {
		tx.id = m.txid + 1
		// Promote to reusable every page whose pending-release tx id is
		// now behind every active reader, so this writer can itself
		// reuse pages its predecessor's commit made releasable instead
		// of waiting for the transaction after it.
		db.freelist.release(tx.oldestSafeRelease())
		tx.savedFreeIDs = append([]pgid(nil), db.freelist.ids...)
	} else {
		tx.id = m.txid
	}
	tx.root = newRootBucket(tx, m.root)

	if !writable {
		db.readersMu.Lock()
		db.readers[tx] = tx.id
		n := len(db.readers)
		db.readersMu.Unlock()
		db.metrics.SetOpenReaders(n)
	}
	return tx, nil
}

// Update runs fn inside a writable transaction, committing on success
// and rolling back if fn (or the commit itself) returns an error.
func (db *Database) Update(fn func(*Tx) error) error {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// View runs fn inside a read-only transaction.
func (db *Database) View(fn func(*Tx) error) error {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Sync forces the underlying file's data to stable storage, beyond
// whatever the last commit already flushed.
func (db *Database) Sync() error {
	return fdatasync(db.file)
}

// Path returns the path Open was called with.
func (db *Database) Path() string {
	return db.path
}

// PageSize returns the file's fixed page size.
func (db *Database) PageSize() int {
	return db.pageSize
}
