package ember

// Stats reports page-level accounting for a Database or a single Tx's
// view of it.
type Stats struct {
	// PageSize is the file's fixed page size, in bytes.
	PageSize int

	// NumPages is the total number of physical pages the file has ever
	// grown to, including freed ones.
	NumPages int

	// FreePages is the number of pages presently reusable.
	FreePages int

	// PendingPages is the number of pages a writer has freed this
	// commit or a prior one, but which are not yet reusable because a
	// reader may still be looking at the version that used them.
	PendingPages int

	// TxID is the transaction id this snapshot was taken from.
	TxID uint64
}

// Stats reports the database's current page accounting, as of the last
// committed transaction.
func (db *Database) Stats() Stats {
	db.mmapLock.RLock()
	defer db.mmapLock.RUnlock()
	m := db.activeMeta()
	return Stats{
		PageSize:     db.pageSize,
		NumPages:     int(m.numPages),
		FreePages:    db.freelist.count(),
		PendingPages: db.freelist.pendingCount(),
		TxID:         uint64(m.txid),
	}
}
