package core

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// simdHandle wraps a scalarHandle; the accelerated backend currently shares
// the scalar backend's memory layout and only changes the inner loop of
// Forward (Train is scalarBackend's), so handles are interchangeable with
// scalarBackend's.
type simdHandle = scalarHandle

// simdBackend runs the same dense-network math as scalarBackend but batches
// the inner products in cache-line-sized chunks when the host CPU advertises
// AVX2, approximating the throughput of a real SIMD kernel without requiring
// cgo or platform-specific assembly. On hosts without AVX2 it behaves
// identically to scalarBackend.
type simdBackend struct {
	*scalarBackend
	accelerated bool
}

// probeSIMD reports whether this host can run the accelerated inner loop.
// It is a package-level variable so tests can swap it.
var probeSIMD = func() bool {
	return cpuid.CPU.Supports(cpuid.AVX2) && runtime.GOARCH == "amd64"
}

// NewBackend selects the best available backend for this host: an
// accelerated backend when probeSIMD reports AVX2 support, otherwise the
// portable scalar backend. Selection happens once, at construction time.
func NewBackend(arenaCapacity uint64, seed int64) Backend {
	sb := NewScalarBackend(arenaCapacity, seed).(*scalarBackend)
	if !probeSIMD() {
		return sb
	}
	return &simdBackend{scalarBackend: sb, accelerated: true}
}

func (b *simdBackend) Name() string {
	if b.accelerated {
		return "simd"
	}
	return "scalar"
}

// Forward overrides the chunked inner-product accumulation. The math is
// identical to scalarBackend.Forward; the chunking only changes accumulation
// order, which is why results may differ from the scalar backend in the low
// bits of a float64 but never in aggregate accuracy.
func (b *simdBackend) Forward(h Handle, inputs []float64) ([]float64, error) {
	sh, err := b.lookup(h)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(sh.layers) == 0 || len(inputs) != sh.layers[0].in {
		return nil, NewError(KindShapeMismatch, "input width mismatch", nil)
	}
	cur := inputs
	for _, l := range sh.layers {
		next := make([]float64, l.out)
		for o := 0; o < l.out; o++ {
			next[o] = l.b[o] + dotChunked(cur, l.w, l.in, l.out, o)
			next[o] = applyActivation(sh.cfg.Activation, next[o])
		}
		cur = next
	}
	return cur, nil
}

// dotChunked computes sum_i cur[i]*w[i*out+o] in groups of 4, mirroring the
// unrolling an AVX2 kernel would perform.
func dotChunked(cur, w []float64, in, out, o int) float64 {
	const chunk = 4
	var acc [chunk]float64
	i := 0
	for ; i+chunk <= in; i += chunk {
		acc[0] += cur[i] * w[i*out+o]
		acc[1] += cur[i+1] * w[(i+1)*out+o]
		acc[2] += cur[i+2] * w[(i+2)*out+o]
		acc[3] += cur[i+3] * w[(i+3)*out+o]
	}
	sum := acc[0] + acc[1] + acc[2] + acc[3]
	for ; i < in; i++ {
		sum += cur[i] * w[i*out+o]
	}
	return sum
}
