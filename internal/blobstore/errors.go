package blobstore

import "errors"

// Sentinel errors shared by blob-store backends, renamed from the
// teacher's storage.Err* family to chunk/blob vocabulary.
var (
	ErrChunkNotFound = errors.New("blobstore: chunk not found")
	ErrChunkExists   = errors.New("blobstore: chunk already exists")
	ErrStoreFull     = errors.New("blobstore: store is full")
	ErrInvalidRef    = errors.New("blobstore: invalid chunk ref")
)
