// Package pebblestore provides a thin wrapper around Pebble with fsync policy,
// serialized update transactions, prefix scans, and minimal metrics hooks.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	// Conditional read-modify-write
//	err = db.Update(ctx, func(tx *pebblestore.Tx) error {
//	    if _, err := tx.Get([]byte("claim/1")); err == nil {
//	        return errAlreadyClaimed
//	    }
//	    return tx.Set([]byte("claim/1"), []byte("worker-a"))
//	})
//
//	// Point ops
//	_ = db.Set([]byte("k2"), []byte("v2"))
//	v, _ := db.Get([]byte("k2"))
package pebblestore
