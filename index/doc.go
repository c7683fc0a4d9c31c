// Package index maintains the off-ledger certificate index.
//
// The index is a cache: every record can be derived from ledger events plus
// anchored content, and Syncer.Rebuild recreates it from genesis. Stores are
// selected with Open by DSN:
//
//	memory                        in-process, lost on restart
//	sqlite:///var/lib/certd.db    embedded, single writer
//	postgres://user:pw@host/db    shared across replicas
//	redis://host:6379/0           shared, keyed under a prefix
//
// Revocation is monotonic in every store so the issuance path and the syncer
// can write the same record in any order.
package index
