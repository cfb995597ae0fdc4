package ptquic

import (
	"testing"

	"github.com/gordian-engine/powertree/ptwire"
	"github.com/stretchr/testify/require"
)

func TestDecodeDatagram(t *testing.T) {
	t.Parallel()

	env := envelope{
		Src:     ptwire.AddrFromUint64(1),
		Dst:     ptwire.Broadcast,
		TxPower: 12.5,
		Frame:   []byte{9, 8, 7},
	}
	d, err := decodeDatagram(env.append(nil))
	require.NoError(t, err)
	require.Equal(t, kindFrame, d.Kind)
	require.Equal(t, env, d.Env)

	d, err = decodeDatagram(appendAck(nil, ptwire.AddrFromUint64(2), 513))
	require.NoError(t, err)
	require.Equal(t, kindAck, d.Kind)
	require.Equal(t, ptwire.AddrFromUint64(2), d.AckSrc)
	require.Equal(t, uint16(513), d.AckSeq)

	_, err = decodeDatagram(nil)
	require.ErrorAs(t, err, new(ptwire.TruncatedError))

	_, err = decodeDatagram([]byte{kindFrame, 1, 2})
	require.ErrorAs(t, err, new(ptwire.TruncatedError))

	_, err = decodeDatagram([]byte{99})
	require.ErrorContains(t, err, "unknown datagram kind")
}
