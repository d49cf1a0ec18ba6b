package storage

import (
	"encoding/json"
	"fmt"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

// recordGroup is the serialized form of one approval id group, used by the
// stores that keep a group in a single document.
type recordGroup struct {
	Version uint64                       `json:"version"`
	Records []*interfaces.ApprovalRecord `json:"records"`
}

func (g *recordGroup) set() *interfaces.RecordSet {
	set := &interfaces.RecordSet{Version: g.Version}
	for _, r := range g.Records {
		set.Records = append(set.Records, r.Clone())
	}
	return set
}

// upsert replaces the record with the same id or appends it.
func (g *recordGroup) upsert(rec *interfaces.ApprovalRecord) {
	rec = rec.Clone()
	for i, r := range g.Records {
		if r.ID == rec.ID {
			g.Records[i] = rec
			g.Version++
			return
		}
	}
	g.Records = append(g.Records, rec)
	g.Version++
}

// remove drops the record with recordID and reports whether it existed.
func (g *recordGroup) remove(recordID string) bool {
	for i, r := range g.Records {
		if r.ID == recordID {
			g.Records = append(g.Records[:i], g.Records[i+1:]...)
			g.Version++
			return true
		}
	}
	return false
}

func encodeGroup(g *recordGroup) ([]byte, error) {
	return json.Marshal(g)
}

func decodeGroup(data []byte) (*recordGroup, error) {
	var g recordGroup
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decoding approval record group: %w", err)
	}
	return &g, nil
}

// scanRecords applies filter, ordering and pagination in memory.
func scanRecords(all []*interfaces.ApprovalRecord, filter interfaces.Filter, offset, limit int) []*interfaces.ApprovalRecord {
	matched := make([]*interfaces.ApprovalRecord, 0, len(all))
	for _, r := range all {
		if filter.Match(r) {
			matched = append(matched, r.Clone())
		}
	}
	interfaces.SortNewestFirst(matched)
	return interfaces.Paginate(matched, offset, limit)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", interfaces.ErrStoreUnavailable, err)
}

func conflict(approvalID int64, expected, actual uint64) error {
	return fmt.Errorf("%w: approval %d expected version %d, found %d",
		interfaces.ErrVersionConflict, approvalID, expected, actual)
}
