package fingerprint

type frameKind uint8

const (
	frameEmpty frameKind = iota
	// frameManaged is hashed and counted.
	frameManaged
	// frameStop ends the walk: the executor entry that owns the bracket.
	frameStop
	// frameForeign ends the walk: runtime or test harness frames.
	frameForeign
)

type frameDesc struct {
	kind     frameKind
	nameHash uint32
}

// frameTable maps return addresses to frame descriptors. Open addressing with
// linear probing; it doubles once more than half the slots are used.
type frameTable struct {
	keys  []uintptr
	descs []frameDesc
	used  int
}

func newFrameTable(capacity int) *frameTable {
	n := 16
	for n < capacity {
		n <<= 1
	}
	return &frameTable{keys: make([]uintptr, n), descs: make([]frameDesc, n)}
}

func (t *frameTable) slot(pc uintptr) int {
	h := uint64(pc) * 0x9e3779b97f4a7c15
	return int(h>>32) & (len(t.keys) - 1)
}

func (t *frameTable) get(pc uintptr) (frameDesc, bool) {
	mask := len(t.keys) - 1
	for i := t.slot(pc); ; i = (i + 1) & mask {
		switch t.keys[i] {
		case pc:
			return t.descs[i], true
		case 0:
			return frameDesc{}, false
		}
	}
}

func (t *frameTable) put(pc uintptr, d frameDesc) {
	if pc == 0 {
		return
	}
	if (t.used+1)*2 > len(t.keys) {
		t.grow()
	}
	mask := len(t.keys) - 1
	for i := t.slot(pc); ; i = (i + 1) & mask {
		switch t.keys[i] {
		case pc:
			t.descs[i] = d
			return
		case 0:
			t.keys[i] = pc
			t.descs[i] = d
			t.used++
			return
		}
	}
}

func (t *frameTable) grow() {
	keys, descs := t.keys, t.descs
	t.keys = make([]uintptr, len(keys)*2)
	t.descs = make([]frameDesc, len(descs)*2)
	t.used = 0
	for i, k := range keys {
		if k != 0 {
			t.put(k, descs[i])
		}
	}
}

func (t *frameTable) len() int { return t.used }
