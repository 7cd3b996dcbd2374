// Package cache provides the CacheStorage-like layer the dispatcher reads and
// writes: a Store holds named partitions, each partition maps a GET request
// URL to a stored response (status, headers, body). Two backends exist. The
// file backend lays entries out as StoragePath/<site>/<partition>/<hh>/<sha>
// and writes via temp file + rename; the leveldb backend keeps everything in
// one database. Partition names embed the worker version so stale partitions
// can be enumerated and deleted during activation.
package cache
