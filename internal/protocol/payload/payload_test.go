package payload

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type spawn struct {
	Kind string `json:"kind"`
	X, Y int
}

type hinted struct {
	Tickable int32
}

type hintCodec struct{}

func (hintCodec) Encode(hinted) ([]byte, error) { return nil, nil }
func (hintCodec) Decode(_ []byte, h Hints) (hinted, error) {
	return hinted{Tickable: h.Tickable}, nil
}

func TestRegistry_RoundTrip(t *testing.T) {
	r := NewRegistry()
	Register[*spawn](r, 1, "spawn", JSONCodec[*spawn]{})
	Register[hinted](r, 2, "hinted", hintCodec{})

	b, err := Encode(r, &spawn{Kind: "deer", X: 3, Y: 4})
	require.NoError(t, err)
	require.Equal(t, "spawn", r.Name(b))

	v, err := r.Decode(b, Hints{})
	require.NoError(t, err)
	require.Equal(t, &spawn{Kind: "deer", X: 3, Y: 4}, v)

	b, err = Encode(r, hinted{})
	require.NoError(t, err)
	v, err = r.Decode(b, Hints{Tickable: 7})
	require.NoError(t, err)
	require.Equal(t, hinted{Tickable: 7}, v)
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()
	_, err := Encode(r, spawn{})
	require.ErrorIs(t, err, ErrUnregistered)

	_, err = r.Decode([]byte{1}, Hints{})
	require.ErrorIs(t, err, ErrShort)

	_, err = r.Decode([]byte{9, 0}, Hints{})
	require.ErrorIs(t, err, ErrUnregistered)

	Register[*spawn](r, 1, "spawn", JSONCodec[*spawn]{})
	_, err = r.Decode([]byte{1, 0, '{'}, Hints{})
	require.Error(t, err)

	require.Panics(t, func() { Register[*spawn](r, 3, "again", JSONCodec[*spawn]{}) })
	require.Panics(t, func() { Register[int](r, 1, "dup", JSONCodec[int]{}) })
}
