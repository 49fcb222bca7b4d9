package queue

import (
	"encoding/binary"

	"github.com/rzbill/stageflow/pkg/id"
)

// Keyspace (byte-wise sortable):
//
//	q/{queue}/msg/{id}                     message record
//	q/{queue}/ready/{^prio_be4}{visible_ms_be8}{id}
//	                                       claimable now, highest priority first
//	q/{queue}/delay/{visible_ms_be8}{id}   claimable later
//	q/{queue}/lease/{id}                   active lease (JSON)
//	q/{queue}/lease_idx/{expires_be8}{id}  lease expiry index
//	qg/{job_id}\x00{stage}                 live-message guard per job-stage
const (
	prefixQueue    = "q/"
	prefixGuard    = "qg/"
	segMsg         = "/msg/"
	segReady       = "/ready/"
	segDelay       = "/delay/"
	segLease       = "/lease/"
	segLeaseIdx    = "/lease_idx/"
	idLen          = len(id.ID{})
	prioLen        = 4
	timestampLen   = 8
	guardSeparator = 0x00
)

func queuePrefix(queue, seg string) []byte {
	k := make([]byte, 0, len(prefixQueue)+len(queue)+len(seg)+timestampLen+idLen)
	k = append(k, prefixQueue...)
	k = append(k, queue...)
	k = append(k, seg...)
	return k
}

func msgKey(queue string, msgID id.ID) []byte {
	return append(queuePrefix(queue, segMsg), msgID[:]...)
}

func readyPrefix(queue string) []byte { return queuePrefix(queue, segReady) }

// readyKey orders by priority descending, then by visible_at, then by id.
// For undelayed messages visible_at is the enqueue time, so this is FIFO.
func readyKey(queue string, priority int32, visibleAtMs int64, msgID id.ID) []byte {
	k := readyPrefix(queue)
	k = binary.BigEndian.AppendUint32(k, ^sortablePriority(priority))
	k = binary.BigEndian.AppendUint64(k, uint64(visibleAtMs))
	return append(k, msgID[:]...)
}

// sortablePriority maps int32 onto uint32 preserving order.
func sortablePriority(p int32) uint32 { return uint32(p) ^ 0x80000000 }

func delayPrefix(queue string) []byte { return queuePrefix(queue, segDelay) }

func delayKey(queue string, visibleAtMs int64, msgID id.ID) []byte {
	k := delayPrefix(queue)
	k = binary.BigEndian.AppendUint64(k, uint64(visibleAtMs))
	return append(k, msgID[:]...)
}

// delayBound is the exclusive upper bound for delayed entries due at nowMs.
func delayBound(queue string, nowMs int64) []byte {
	return binary.BigEndian.AppendUint64(delayPrefix(queue), uint64(nowMs+1))
}

func leaseKey(queue string, msgID id.ID) []byte {
	return append(queuePrefix(queue, segLease), msgID[:]...)
}

func leaseIdxPrefix(queue string) []byte { return queuePrefix(queue, segLeaseIdx) }

func leaseIdxKey(queue string, expiresMs int64, msgID id.ID) []byte {
	k := leaseIdxPrefix(queue)
	k = binary.BigEndian.AppendUint64(k, uint64(expiresMs))
	return append(k, msgID[:]...)
}

func leaseIdxBound(queue string, nowMs int64) []byte {
	return binary.BigEndian.AppendUint64(leaseIdxPrefix(queue), uint64(nowMs+1))
}

func guardKey(jobID, stage string) []byte {
	k := make([]byte, 0, len(prefixGuard)+len(jobID)+1+len(stage))
	k = append(k, prefixGuard...)
	k = append(k, jobID...)
	k = append(k, guardSeparator)
	return append(k, stage...)
}

// idFromKey extracts the trailing message id from any index key.
func idFromKey(key []byte) (id.ID, bool) {
	if len(key) < idLen {
		return id.ID{}, false
	}
	return id.FromBytes(key[len(key)-idLen:])
}
