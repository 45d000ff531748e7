package logdata

import "sync/atomic"

var visiblePackSeq atomic.Uint64

// VisiblePack is an immutable projection of a DataPack through a Filter.
type VisiblePack struct {
	version uint64
	pack    *DataPack
	filter  Filter
	rows    []CommitID
	rowByID map[CommitID]int
	err     error
}

// NewVisiblePack applies filter to pack. An invalid filter yields an error
// snapshot rather than an error return: the projection exists but is unusable.
func NewVisiblePack(pack *DataPack, filter Filter) *VisiblePack {
	vp := &VisiblePack{
		version: visiblePackSeq.Add(1),
		pack:    pack,
		filter:  filter,
		rowByID: map[CommitID]int{},
	}
	if pack == nil || pack.IsError() {
		return vp
	}
	m, err := filter.compile(pack)
	if err != nil {
		vp.err = err
		return vp
	}
	for _, c := range pack.Commits() {
		if !m.matches(c) {
			continue
		}
		vp.rowByID[c.ID] = len(vp.rows)
		vp.rows = append(vp.rows, c.ID)
	}
	return vp
}

// Version is unique per projection and increases with every new one.
func (v *VisiblePack) Version() uint64    { return v.version }
func (v *VisiblePack) DataPack() *DataPack { return v.pack }
func (v *VisiblePack) Filter() Filter      { return v.filter }
func (v *VisiblePack) IsError() bool       { return v.err != nil }
func (v *VisiblePack) Err() error          { return v.err }
func (v *VisiblePack) VisibleCount() int   { return len(v.rows) }

// Row returns the visible row of id, or -1 when id is absent or filtered out.
func (v *VisiblePack) Row(id CommitID) int {
	if row, ok := v.rowByID[id]; ok {
		return row
	}
	return -1
}

func (v *VisiblePack) IDAt(row int) (CommitID, bool) {
	if row < 0 || row >= len(v.rows) {
		return CommitID{}, false
	}
	return v.rows[row], true
}

func (v *VisiblePack) CommitAt(row int) (Commit, bool) {
	id, ok := v.IDAt(row)
	if !ok || v.pack == nil {
		return Commit{}, false
	}
	return v.pack.Commit(id)
}
