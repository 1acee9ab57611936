// Package sync implements the local-first synchronization engine.
//
// Multiple independent clients, each holding a private copy of a
// relational dataset, converge by exchanging an append-only log of change
// operations through a dumb relay. The relay stores and orders operations
// but resolves nothing; all conflict resolution happens client-side at
// whole-record granularity (last writer wins).
//
// # Architecture
//
// Local writes flow through change capture into the operation log, then
// out to the relay; remote operations flow back through decryption and
// conflict resolution into the tracked tables:
//
//	local write -> capture -> operation log -> push -> relay
//	relay -> pull -> decrypt -> resolve -> tracked tables (or deferred queue)
//
// The engine owns a cooperative sync lock: Push and Pull are serialized
// against each other and against themselves, and a contended call is a
// logged no-op rather than queued. Callers re-trigger on a timer or user
// action (see internal/daemon).
//
// # Cursor safety
//
// After pushing a batch the engine adopts the relay-reported cursor only
// when it equals the previous cursor plus the batch length. Any other
// value means concurrent writers (or a relay anomaly), and adopting it
// would make the engine believe it had seen operations it has not,
// silently skipping other clients' writes forever. The cursor is left
// untouched so the next pull fetches the gap.
//
// # Encryption
//
// With a cipher configured, operations travel sealed: the wire form has
// table "encrypted", type create, the fingerprint of the sealing key, and
// the real operation inside the ciphertext. Pulled operations whose key
// fingerprint does not match are still attempted, but any decryption
// failure drops that single operation with a warning; a bad operation
// never aborts the page it arrived in.
//
// # Usage
//
//	st, err := store.Open(".relaysync/local.db", nil)
//	if err != nil {
//	    return err
//	}
//	engine, err := sync.New(st, provider, cipher, nil, nil)
//	if err != nil {
//	    return err
//	}
//	if err := engine.RegisterTable(ctx, store.TableSpec{
//	    Name:      "links",
//	    KeyFields: []string{"id"},
//	}); err != nil {
//	    return err
//	}
//	if err := engine.Push(ctx); err != nil {
//	    return err
//	}
//	if err := engine.Pull(ctx); err != nil {
//	    return err
//	}
package sync
