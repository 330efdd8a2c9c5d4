package crypto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
)

// RandNonZeroUint32 returns a uniformly distributed value in [1, 2^32-1].
func RandNonZeroUint32(ctx context.Context) (uint32, error) {
	b := make([]byte, 4)
	for {
		n, err := rand.Read(b)
		if err != nil {
			return 0, err
		}
		if n != len(b) {
			panic("unexpected result from random number generator")
		}
		x := binary.LittleEndian.Uint32(b)
		if x != 0 {
			return x, nil
		}
		err = ctx.Err()
		if err != nil {
			return 0, err
		}
	}
}
