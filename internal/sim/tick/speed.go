package tick

import "fmt"

type Speed uint8

const (
	Paused Speed = iota
	Normal
	Fast
	Superfast
	Ultrafast

	speedCount
)

// DefaultMultipliers are ticks per scheduler step for each speed.
var DefaultMultipliers = [speedCount]float64{0, 1, 3, 6, 15}

func (s Speed) Valid() bool { return s < speedCount }

func (s Speed) String() string {
	switch s {
	case Paused:
		return "paused"
	case Normal:
		return "normal"
	case Fast:
		return "fast"
	case Superfast:
		return "superfast"
	case Ultrafast:
		return "ultrafast"
	}
	return fmt.Sprintf("speed(%d)", uint8(s))
}

func ParseSpeed(name string) (Speed, error) {
	for s := Paused; s < speedCount; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown speed %q", name)
}
