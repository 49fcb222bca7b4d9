// Package artifacts stores the opaque per-stage output of a job, either in
// the local Pebble database or in an S3-compatible bucket through MinIO.
package artifacts
