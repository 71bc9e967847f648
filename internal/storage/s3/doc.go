// Package s3 implements the remote object store over AWS S3 (or any
// S3-compatible endpoint) with connection pooling and streaming
// get/put/delete keyed by segment content hash.
package s3
