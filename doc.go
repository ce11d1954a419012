/*
Package idbstore implements the backing store of an IndexedDB-style database
on top of an ordered key-value store (Bolt by default, LevelDB or memory
optionally).

We implement:

1. Databases, object stores and indexes, identified by numeric ids that are
never reused.

2. Records: a user key mapped to opaque value bits plus external objects
(blobs and files) stored outside the key-value store.

3. Index entries pointing at records, cleaned up lazily when they go stale.

4. Cursors walking object stores and indexes in either direction, optionally
skipping duplicate keys.

5. Crash-safe blob file lifecycle via two persisted journals.

# Technical Details

**Key prefix.**
Every persisted key starts with a fixed 24-byte prefix of database id, object
store id and index id, so a single ordered keyspace holds all metadata and
data. See package idbkey.

**Reserved index ids.**
Within an object store, index id 1 holds the records, 2 the exists entries
(record version only, for cheap existence checks) and 3 the blob entries (the
external objects of a record). User indexes start at 30.

**Versions.**
Every write of a record gets a new version from a per-object-store counter.
Index entries remember the version they were written for; an index entry whose
record is gone or carries another version is stale. Stale entries are removed
when a lookup or cursor walks over them, unless the transaction is read-only.

## Binary encoding

**Record value**: flags (uvarint), version (varint), then the value bits,
snappy-compressed when flagged.

**Index value**: version (varint), then the encoded primary key.

**Metadata and journals**: msgpack. Journal payloads carry an xxhash checksum.

## Blobs

A blob lives in BlobDir/<database id>/<second byte of number>/<number>.
Blob numbers come from a persisted per-database generator.

Committing a transaction that adds blobs takes two phases. CommitPhaseOne
numbers the new blobs, lists them in the recovery journal and writes them out.
CommitPhaseTwo writes the blob entries, takes the written blobs off the
recovery journal and commits. A crash in between leaves the blobs in the
recovery journal, which is cleaned up on the next open.

Blobs that lose their last record go to the recovery journal and are deleted
right after the commit, unless something still reads them (see
ActiveBlobRegistry), in which case they wait in the active journal until the
last reader lets go.

## Sequence

A Store and its transactions and cursors form one sequence: their methods may
be called from any goroutine and run one at a time. Internal helpers assert
that the sequence is held. The blob writes of CommitPhaseOne run with the
sequence released, so Rollback can be called meanwhile.
*/
package idbstore
