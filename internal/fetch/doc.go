// Package fetch models the request/response pair that flows between the
// dispatcher, the cache partitions and the origin. A Response owns its body
// as an immutable byte slice, so the same value can be returned to the
// caller and persisted to a partition without cloning.
package fetch
