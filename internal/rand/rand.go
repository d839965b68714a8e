package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

const (
	bytesInUint64 = 8
	charset       = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

var charsetLen = len(charset)

var defaultRandBytes = newRandBytes()

func newRandBytes() *randBytes {
	seed := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &randBytes{
		//nolint:gosec // correlation ids are not security sensitive
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

type randBytes struct {
	mut sync.Mutex
	rng *rand.Rand
}

// read fills bytes with pseudo-random bytes. It always fills bytes entirely.
func (rb *randBytes) read(bytes []byte) {
	rb.mut.Lock()
	defer rb.mut.Unlock()

	numUint64s := len(bytes) / bytesInUint64
	for i := range numUint64s {
		binary.LittleEndian.PutUint64(bytes[i*bytesInUint64:(i+1)*bytesInUint64], rb.rng.Uint64())
	}

	if rem := len(bytes) % bytesInUint64; rem > 0 {
		var tail [bytesInUint64]byte
		binary.LittleEndian.PutUint64(tail[:], rb.rng.Uint64())
		copy(bytes[numUint64s*bytesInUint64:], tail[:rem])
	}
}

// NewRequestID returns a fresh correlation id of the given length.
// The modulo mapping onto the charset is not perfectly uniform, which is
// acceptable since the ids only need to be unique per in-flight request.
func NewRequestID(requestIDLength int) string {
	buf := make([]byte, requestIDLength)
	defaultRandBytes.read(buf)

	for i, b := range buf {
		buf[i] = charset[int(b)%charsetLen]
	}

	return string(buf)
}
