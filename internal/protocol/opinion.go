package protocol

import "lockstep.ai/internal/sim/ledger"

// Opinion layout: start tick i32 · command checkpoints (u32 array) · world
// checkpoints (u32 array) · map count i32, then per map: map id i32 + u32
// array · fingerprint hashes (i32 array) · simulating bool.

func EncodeOpinion(op *ledger.Opinion) []byte {
	var w writer
	writeOpinion(&w, op)
	return w.b
}

func DecodeOpinion(b []byte, op *ledger.Opinion) error {
	r := &reader{b: b}
	readOpinion(r, op)
	return r.done()
}

func writeOpinion(w *writer, op *ledger.Opinion) {
	w.int32(op.StartTick)
	w.uint32s(op.CommandStates)
	w.uint32s(op.WorldStates)
	w.int32(int32(len(op.Maps)))
	for _, m := range op.Maps {
		w.int32(m.MapID)
		w.uint32s(m.States)
	}
	w.int32s(op.Fingerprints)
	w.bool(op.Simulating)
}

func readOpinion(r *reader, op *ledger.Opinion) {
	op.Reset()
	op.StartTick = r.int32()
	op.CommandStates = r.uint32s()
	op.WorldStates = r.uint32s()
	n := r.length(8)
	for i := 0; i < n && r.err == nil; i++ {
		id := r.int32()
		op.Maps = append(op.Maps, ledger.MapStates{MapID: id, States: r.uint32s()})
	}
	op.Fingerprints = r.int32s()
	op.Simulating = r.bool()
	op.State = ledger.StateClosed
}
