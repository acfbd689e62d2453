/*
Package snstore contains the storage engine of an incremental build cache.
Entries are keyed by 64-bit key hashes plus the full key, stored in immutable
static sorted tables (SSTs) and listed per key family in meta files, which
answer most negative lookups without touching table contents.

Data Structure Documentation

Table

A table starts with two compression dictionaries, followed by a series of
value blocks, key blocks and a single index block. A table of end offsets,
relative to the first block, closes the table. Dictionary lengths and the
block count are stored in the meta file.

    Table layout:
    +----------+------------+---------+-------+---------+-------------+----------------+-------+----------------+
    | key dict | value dict | block 1 |  ...  | block n | index block | end offset 1   |  ...  | end offset n+1 |
    |          |            |         |       |         |             | (4 bytes)      |       | (4 bytes)      |
    +----------+------------+---------+-------+---------+-------------+----------------+-------+----------------+

    Block:
    +-----------------------------+----------------------+
    | uncompressed size (4 bytes) | compressed contents  |
    +-----------------------------+----------------------+

Value blocks either pack several small values or hold a single medium
value. Key blocks are compressed with the key dictionary, value blocks with
the value dictionary.

    Key block:
    +---------------+----------------------+----------------------------+-------+------------------------------+---------+-------+---------+
    | type (1 byte) | entry count (4 bytes)| entry offset 1 (4 bytes)   |  ...  | entry offset n (4 bytes)     | entry 1 |  ...  | entry n |
    +---------------+----------------------+----------------------------+-------+------------------------------+---------+-------+---------+

    Key entry:
    +-----------------+---------------+---------------------+---------+-----------------+
    | hash (8 bytes)  | kind (1 byte) | key len (uvarint)   |   key   | value reference |
    +-----------------+---------------+---------------------+---------+-----------------+

    Value reference:
    small:   block (2 bytes), offset (4 bytes), size (4 bytes)
    medium:  block (2 bytes)
    large:   blob id (4 bytes)
    deleted: -

    Index block:
    +---------------+----------------------+----------------------------------+-------+
    | type (1 byte) | entry count (4 bytes)| first hash (8 bytes), block (2)  |  ...  |
    +---------------+----------------------+----------------------------------+-------+

Meta File

A meta file lists the tables of one key family, oldest first, followed by
the serialized filters of all tables. All integers are big-endian.

    Meta layout:
    +------------------+-----------------+-----------------------------+-------------------------+-----------------------+-----------+---------------+
    | magic (4 bytes)  | family (4 bytes)| obsolete count (4 bytes)    | obsolete seqs (4 bytes) | entry count (4 bytes) | entries   | filter region |
    +------------------+-----------------+-----------------------------+-------------------------+-----------------------+-----------+---------------+

    Meta entry:
    +-------------+------------------+--------------------+--------------------+-----------+-----------+------------+------------------+
    | seq (4)     | key dict len (2) | value dict len (2) | block count (2)    | min (8)   | max (8)   | size (8)   | filter end (4)   |
    +-------------+------------------+--------------------+--------------------+-----------+-----------+------------+------------------+

The filter of entry i spans the filter region from the end offset of entry
i-1 (or zero) to its own end offset.

Lookup

Lookups run through three negative stages before reading table contents:
the key family, the hash range of each table, and the table's filter.
Tables are consulted newest first; the first entry found wins, including
tombstones.
*/
package snstore
