package events

import "encoding/binary"

// Keyspace (byte-wise sortable):
//
//	ev/{job_id}\x00m               last sequence (be8)
//	ev/{job_id}\x00e/{seq_be8}     event record
const (
	prefixEvents = "ev/"
	metaSuffix   = "\x00m"
	entrySeg     = "\x00e/"
)

func jobKey(jobID, suffix string) []byte {
	k := make([]byte, 0, len(prefixEvents)+len(jobID)+len(suffix)+8)
	k = append(k, prefixEvents...)
	k = append(k, jobID...)
	return append(k, suffix...)
}

func metaKey(jobID string) []byte { return jobKey(jobID, metaSuffix) }

func entryPrefix(jobID string) []byte { return jobKey(jobID, entrySeg) }

func entryKey(jobID string, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(entryPrefix(jobID), seq)
}

func seqFromKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
