// Package id provides the 128-bit message ids used as queue keys.
//
// An ID is 16 bytes big-endian, an 8-byte millisecond timestamp followed by
// an 8-byte sequence, so byte order is issue order. Queue keys embed ids
// after the priority band, which makes ready messages FIFO within a
// priority. IDs render as 32 hex characters in JSON and URLs.
//
//	g := id.NewGenerator(nil)
//	msgID := g.Next()
//	back, _ := id.Parse(msgID.String())
package id
