package elffix

// strtab builds a section name string table. Repeated names share one entry.
type strtab struct {
	data  []byte
	index map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{data: []byte{0}, index: map[string]uint32{"": 0}}
}

func (t *strtab) add(s string) uint32 {
	if off, ok := t.index[s]; ok {
		return off
	}
	off := uint32(len(t.data))
	t.data = append(t.data, s...)
	t.data = append(t.data, 0)
	t.index[s] = off
	return off
}

func (t *strtab) bytes() []byte {
	return t.data
}
