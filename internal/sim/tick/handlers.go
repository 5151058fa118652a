package tick

import (
	"encoding/binary"
	"errors"
	"fmt"

	"lockstep.ai/internal/protocol/payload"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/simctx"
)

var ErrBadPayload = errors.New("bad command payload")

func registerBuiltins(h *command.Handlers[*Exec]) {
	h.Register(command.KindWorldTimeSpeed, handleTimeSpeed)
	h.Register(command.KindMapTimeSpeed, handleTimeSpeed)
	h.Register(command.KindSync, handleSync)
	h.Register(command.KindDebug, handleDebug)
	h.Register(command.KindDesignator, handleDesignator)
	h.Register(command.KindCreateMap, handleCreateMap)
	h.Register(command.KindRemoveMap, handleRemoveMap)
	h.Register(command.KindPauseSession, handlePauseSession)
}

func SpeedPayload(s Speed) []byte { return []byte{byte(s)} }

func MapPayload(id int32) []byte { return binary.LittleEndian.AppendUint32(nil, uint32(id)) }

// SessionPayload opens (open=true) or closes a blocking session bound to a tickable.
func SessionPayload(open bool, id, tickable int32) []byte {
	b := []byte{0}
	if open {
		b[0] = 1
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(id))
	return binary.LittleEndian.AppendUint32(b, uint32(tickable))
}

func handleTimeSpeed(x *Exec, cmd command.Command) error {
	if len(cmd.Payload) != 1 || !Speed(cmd.Payload[0]).Valid() {
		return fmt.Errorf("%w: speed %v", ErrBadPayload, cmd.Payload)
	}
	if cmd.Kind == command.KindWorldTimeSpeed && x.T.kind != KindWorld {
		return fmt.Errorf("%w: world speed sent to map %d", ErrBadPayload, x.T.id)
	}
	x.T.SetDesiredSpeed(Speed(cmd.Payload[0]))
	return nil
}

func decodeAction(x *Exec, cmd command.Command) (Action, error) {
	v, err := x.S.payloads.Decode(cmd.Payload, payload.Hints{Tickable: x.T.id, Faction: cmd.Faction, Tick: cmd.Tick})
	if err != nil {
		return nil, err
	}
	a, ok := v.(Action)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not an action", ErrBadPayload, v)
	}
	return a, nil
}

func handleSync(x *Exec, cmd command.Command) error {
	a, err := decodeAction(x, cmd)
	if err != nil {
		return err
	}
	return a.Apply(x)
}

// handleDebug runs the action with dev mode on; the bracket pop turns it off.
func handleDebug(x *Exec, cmd command.Command) error {
	a, err := decodeAction(x, cmd)
	if err != nil {
		return err
	}
	x.Stack.SetDevMode(true)
	return a.Apply(x)
}

// DesignationFactory builds a designation bound to the executing context.
type DesignationFactory interface {
	Designation(x *Exec) (command.Designation, error)
}

func handleDesignator(x *Exec, cmd command.Command) error {
	v, err := x.S.payloads.Decode(cmd.Payload, payload.Hints{Tickable: x.T.id, Faction: cmd.Faction, Tick: cmd.Tick})
	if err != nil {
		return err
	}
	f, ok := v.(DesignationFactory)
	if !ok {
		return fmt.Errorf("%w: %T is not a designation", ErrBadPayload, v)
	}
	d, err := f.Designation(x)
	if err != nil {
		return err
	}
	return command.RunDesignator(d)
}

func readID(p []byte) (int32, error) {
	if len(p) != 4 {
		return 0, fmt.Errorf("%w: want 4 bytes, got %d", ErrBadPayload, len(p))
	}
	return int32(binary.LittleEndian.Uint32(p)), nil
}

func handleCreateMap(x *Exec, cmd command.Command) error {
	id, err := readID(cmd.Payload)
	if err != nil {
		return err
	}
	if id == command.GlobalID {
		return fmt.Errorf("%w: map id %d is reserved", ErrBadPayload, id)
	}
	x.S.AddMap(id)
	return nil
}

func handleRemoveMap(x *Exec, cmd command.Command) error {
	id, err := readID(cmd.Payload)
	if err != nil {
		return err
	}
	if !x.S.RemoveMap(id) {
		return fmt.Errorf("%w: %d", ErrNoTickable, id)
	}
	return nil
}

// blockingSession pauses all tickables while open, e.g. a negotiation that
// every party must see at the same simulated instant.
type blockingSession struct {
	id, tickable int32
}

func (b blockingSession) ID() int32       { return b.id }
func (b blockingSession) Tickable() int32 { return b.tickable }
func (blockingSession) Tick(simctx.Frame) {}
func (blockingSession) BlocksTime() bool  { return true }

func handlePauseSession(x *Exec, cmd command.Command) error {
	p := cmd.Payload
	if len(p) != 9 {
		return fmt.Errorf("%w: session payload %d bytes", ErrBadPayload, len(p))
	}
	id := int32(binary.LittleEndian.Uint32(p[1:5]))
	tickable := int32(binary.LittleEndian.Uint32(p[5:9]))
	if p[0] == 1 {
		x.S.AddSession(blockingSession{id: id, tickable: tickable})
		return nil
	}
	if !x.S.RemoveSession(id) {
		return fmt.Errorf("%w: no session %d", ErrBadPayload, id)
	}
	return nil
}
