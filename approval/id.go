package approval

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

// ComputeApprovalID fingerprints the fields that make two requests "the
// same": approval type, requesting admin, CA, end entity profile and payload
// discriminator. Description and comments are not part of the identity.
//
// The result is non-negative so it renders cleanly in URLs.
func ComputeApprovalID(spec interfaces.ApprovalRequestSpec) int64 {
	h := sha256.New()
	writeField := func(b []byte) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(b)))
		h.Write(l[:])
		h.Write(b)
	}
	var ids [8]byte
	binary.BigEndian.PutUint32(ids[:4], uint32(spec.CAID))
	binary.BigEndian.PutUint32(ids[4:], uint32(spec.EndEntityProfileID))

	writeField([]byte(spec.ApprovalType.String()))
	writeField([]byte(spec.RequestingAdmin.Key()))
	writeField(ids[:])
	writeField([]byte(spec.PayloadDiscriminator()))

	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) & math.MaxInt64)
}
