package core

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// Handle is an opaque reference to network weights owned by a Backend. Only
// the Backend that allocated a Handle may operate on it.
type Handle interface {
	id() uint64
}

// TrainResult reports the outcome of a bounded training run.
type TrainResult struct {
	FinalAccuracy    float64
	ConvergenceEpoch int
}

// Backend is the numeric engine contract: allocate/forward/train/serialize
// primitives over fixed-size vectors. A scalar reference implementation and
// a SIMD-accelerated implementation both satisfy this interface with
// numerically equivalent (not necessarily bit-exact) results.
type Backend interface {
	// AllocateNetwork allocates weights/biases for cfg's architecture,
	// bounded by the backend's configured arena capacity. Returns
	// KindCapacityExceeded if the allocation would exceed that bound.
	AllocateNetwork(cfg AgentConfig) (Handle, error)
	// Release frees a handle. Idempotent: a second Release on the same
	// handle is a no-op, and all subsequent calls on it fail KindInvalid.
	Release(h Handle) error
	// Forward runs one inference pass. Fails KindShapeMismatch if the
	// input length does not match the network's first layer width.
	Forward(h Handle, inputs []float64) ([]float64, error)
	// Train runs up to epochs passes over samples and returns the
	// resulting accuracy and the epoch at which it stabilized.
	Train(h Handle, samples []Sample, epochs int) (TrainResult, error)
	// Serialize snapshots a handle's weights.
	Serialize(h Handle) ([]byte, error)
	// DeserializeInto blends (or, at blend=1.0, overwrites) a handle's
	// weights with a previously serialized blob: w' = (1-blend)*w +
	// blend*w_other, element-wise.
	DeserializeInto(h Handle, data []byte, blend float64) error
	// BytesInUse reports the backend's current arena usage.
	BytesInUse() uint64
	// Name identifies the concrete backend for logging/metrics.
	Name() string
}

// arenaLedger tracks bytes-in-use against a fixed capacity, shared by a
// backend's allocate/release path regardless of which concrete
// implementation is selected.
type arenaLedger struct {
	mu       sync.Mutex
	capacity uint64
	used     uint64
}

func newArenaLedger(capacity uint64) *arenaLedger {
	return &arenaLedger{capacity: capacity}
}

func (a *arenaLedger) reserve(n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capacity > 0 && a.used+n > a.capacity {
		return NewError(KindCapacityExceeded, fmt.Sprintf("arena: would use %d of %d byte capacity", a.used+n, a.capacity), nil)
	}
	a.used += n
	return nil
}

func (a *arenaLedger) release(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.used {
		a.used = 0
		return
	}
	a.used -= n
}

func (a *arenaLedger) inUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// networkSize returns the byte footprint of a dense network with the given
// architecture: one float64 weight per (in,out) pair plus one bias per
// output neuron, per layer.
func networkSize(arch []int) uint64 {
	var total uint64
	for i := 0; i+1 < len(arch); i++ {
		in, out := arch[i], arch[i+1]
		total += uint64(in*out+out) * 8
	}
	return total
}

// layer holds one dense layer's weights (row-major, in x out) and biases.
type layer struct {
	in, out int
	w       []float64
	b       []float64
}

func newLayer(in, out int, rng *rand.Rand) layer {
	w := make([]float64, in*out)
	b := make([]float64, out)
	scale := 1.0 / math.Sqrt(float64(in)+1)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * scale
	}
	return layer{in: in, out: out, w: w, b: b}
}

func applyActivation(kind Activation, x float64) float64 {
	switch kind {
	case ActivationReLU:
		if x < 0 {
			return 0
		}
		return x
	case ActivationSigmoid:
		return 1 / (1 + math.Exp(-x))
	case ActivationTanh:
		return math.Tanh(x)
	default:
		return x
	}
}

func activationDerivative(kind Activation, activated float64) float64 {
	switch kind {
	case ActivationReLU:
		if activated <= 0 {
			return 0
		}
		return 1
	case ActivationSigmoid:
		return activated * (1 - activated)
	case ActivationTanh:
		return 1 - activated*activated
	default:
		return 1
	}
}

// scalarHandle is the scalarBackend's concrete Handle.
type scalarHandle struct {
	hid        uint64
	cfg        AgentConfig
	layers     []layer
	footprint  uint64
	released   bool
	mu         sync.Mutex
}

func (h *scalarHandle) id() uint64 { return h.hid }

// scalarBackend is the pure-Go reference numeric backend. It is always
// available and is the fallback when no SIMD-accelerated backend is
// selected, or when one is requested but unavailable on this platform.
type scalarBackend struct {
	arena   *arenaLedger
	seed    int64
	mu      sync.Mutex
	next    uint64
	handles map[uint64]*scalarHandle
}

// NewScalarBackend constructs a scalar Backend bounded by the given total
// arena capacity in bytes (0 means unbounded), seeded for deterministic
// training given the same seed.
func NewScalarBackend(arenaCapacity uint64, seed int64) Backend {
	return &scalarBackend{
		arena:   newArenaLedger(arenaCapacity),
		seed:    seed,
		handles: make(map[uint64]*scalarHandle),
	}
}

func (b *scalarBackend) Name() string { return "scalar" }

func (b *scalarBackend) BytesInUse() uint64 { return b.arena.inUse() }

func (b *scalarBackend) AllocateNetwork(cfg AgentConfig) (Handle, error) {
	if len(cfg.Architecture) < 2 {
		return nil, NewError(KindInvalid, "architecture must have at least 2 layer widths", nil)
	}
	size := networkSize(cfg.Architecture)
	if err := b.arena.reserve(size); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(b.seed))
	layers := make([]layer, 0, len(cfg.Architecture)-1)
	for i := 0; i+1 < len(cfg.Architecture); i++ {
		layers = append(layers, newLayer(cfg.Architecture[i], cfg.Architecture[i+1], rng))
	}
	b.mu.Lock()
	b.next++
	hid := b.next
	h := &scalarHandle{hid: hid, cfg: cfg, layers: layers, footprint: size}
	b.handles[hid] = h
	b.mu.Unlock()
	return h, nil
}

func (b *scalarBackend) lookup(h Handle) (*scalarHandle, error) {
	sh, ok := h.(*scalarHandle)
	if !ok {
		return nil, NewError(KindInvalid, "handle not owned by scalar backend", nil)
	}
	b.mu.Lock()
	_, tracked := b.handles[sh.hid]
	b.mu.Unlock()
	if !tracked {
		return nil, NewError(KindInvalid, "handle released or unknown", nil)
	}
	return sh, nil
}

func (b *scalarBackend) Release(h Handle) error {
	sh, ok := h.(*scalarHandle)
	if !ok {
		return NewError(KindInvalid, "handle not owned by scalar backend", nil)
	}
	b.mu.Lock()
	_, tracked := b.handles[sh.hid]
	if tracked {
		delete(b.handles, sh.hid)
	}
	b.mu.Unlock()
	if !tracked {
		return nil // idempotent: already released
	}
	b.arena.release(sh.footprint)
	return nil
}

func (b *scalarBackend) forwardLocked(sh *scalarHandle, inputs []float64) ([]float64, error) {
	if len(sh.layers) == 0 || len(inputs) != sh.layers[0].in {
		want := 0
		if len(sh.layers) > 0 {
			want = sh.layers[0].in
		}
		return nil, NewError(KindShapeMismatch, fmt.Sprintf("expected %d inputs, got %d", want, len(inputs)), nil)
	}
	cur := inputs
	for _, l := range sh.layers {
		next := make([]float64, l.out)
		for o := 0; o < l.out; o++ {
			sum := l.b[o]
			for i := 0; i < l.in; i++ {
				sum += cur[i] * l.w[i*l.out+o]
			}
			next[o] = applyActivation(sh.cfg.Activation, sum)
		}
		cur = next
	}
	return cur, nil
}

func (b *scalarBackend) Forward(h Handle, inputs []float64) ([]float64, error) {
	sh, err := b.lookup(h)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return b.forwardLocked(sh, inputs)
}

// Train performs simple online gradient descent for all epochs passes and
// reports as the convergence epoch the first epoch whose mean error changed
// by less than 1e-5 from the previous one (epochs if none did).
func (b *scalarBackend) Train(h Handle, samples []Sample, epochs int) (TrainResult, error) {
	sh, err := b.lookup(h)
	if err != nil {
		return TrainResult{}, err
	}
	if epochs <= 0 {
		return TrainResult{}, NewError(KindInvalid, "epochs must be positive", nil)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	lr := sh.cfg.LearningRate
	if lr <= 0 {
		lr = 0.01
	}
	lastErr := math.Inf(1)
	convergeEpoch := epochs
	converged := false
	for e := 0; e < epochs; e++ {
		var epochErr float64
		for _, s := range samples {
			activations, err := b.forwardPass(sh, s.Input)
			if err != nil {
				return TrainResult{}, NewError(KindBackendError, "forward pass during training", err)
			}
			out := activations[len(activations)-1]
			if len(out) != len(s.Target) {
				return TrainResult{}, NewError(KindShapeMismatch, "target width does not match output width", nil)
			}
			epochErr += b.backpropStep(sh, activations, s.Target, lr)
		}
		if len(samples) > 0 {
			epochErr /= float64(len(samples))
		}
		if !converged && math.Abs(lastErr-epochErr) < 1e-5 {
			convergeEpoch = e + 1
			converged = true
		}
		lastErr = epochErr
	}
	accuracy := 1.0 / (1.0 + lastErr)
	if accuracy > 1 {
		accuracy = 1
	}
	if accuracy < 0 {
		accuracy = 0
	}
	return TrainResult{FinalAccuracy: accuracy, ConvergenceEpoch: convergeEpoch}, nil
}

// forwardPass returns per-layer activations (including the input layer at
// index 0) so backpropStep can compute local gradients.
func (b *scalarBackend) forwardPass(sh *scalarHandle, inputs []float64) ([][]float64, error) {
	if len(sh.layers) == 0 || len(inputs) != sh.layers[0].in {
		return nil, NewError(KindShapeMismatch, "input width mismatch", nil)
	}
	activations := make([][]float64, 0, len(sh.layers)+1)
	activations = append(activations, inputs)
	cur := inputs
	for _, l := range sh.layers {
		next := make([]float64, l.out)
		for o := 0; o < l.out; o++ {
			sum := l.b[o]
			for i := 0; i < l.in; i++ {
				sum += cur[i] * l.w[i*l.out+o]
			}
			next[o] = applyActivation(sh.cfg.Activation, sum)
		}
		activations = append(activations, next)
		cur = next
	}
	return activations, nil
}

// backpropStep applies one step of gradient descent across all layers and
// returns the squared error for this sample.
func (b *scalarBackend) backpropStep(sh *scalarHandle, activations [][]float64, target []float64, lr float64) float64 {
	out := activations[len(activations)-1]
	deltas := make([]float64, len(out))
	var sqErr float64
	for i := range out {
		diff := out[i] - target[i]
		sqErr += diff * diff
		deltas[i] = diff * activationDerivative(sh.cfg.Activation, out[i])
	}
	for li := len(sh.layers) - 1; li >= 0; li-- {
		l := &sh.layers[li]
		prevAct := activations[li]
		nextDeltas := make([]float64, l.in)
		for o := 0; o < l.out; o++ {
			d := deltas[o]
			for i := 0; i < l.in; i++ {
				nextDeltas[i] += d * l.w[i*l.out+o]
				l.w[i*l.out+o] -= lr * d * prevAct[i]
			}
			l.b[o] -= lr * d
		}
		if li > 0 {
			for i := range nextDeltas {
				nextDeltas[i] *= activationDerivative(sh.cfg.Activation, prevAct[i])
			}
			deltas = nextDeltas
		}
	}
	return sqErr
}

// encodeLayers serializes layers to a flat binary blob: a layer count
// header followed by each layer's (in, out, weights, biases).
func encodeLayers(layers []layer) []byte {
	size := 4
	for _, l := range layers {
		size += 8 + len(l.w)*8 + len(l.b)*8
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(layers)))
	off += 4
	for _, l := range layers {
		binary.LittleEndian.PutUint32(buf[off:], uint32(l.in))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(l.out))
		off += 4
		for _, v := range l.w {
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
			off += 8
		}
		for _, v := range l.b {
			binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(v))
			off += 8
		}
	}
	return buf
}

// decodeLayers is encodeLayers's inverse.
func decodeLayers(data []byte) ([]layer, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("blob too short: %d bytes", len(data))
	}
	off := 0
	count := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	layers := make([]layer, 0, count)
	for i := 0; i < count; i++ {
		if off+8 > len(data) {
			return nil, fmt.Errorf("truncated layer header at layer %d", i)
		}
		in := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		out := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		w := make([]float64, in*out)
		for j := range w {
			if off+8 > len(data) {
				return nil, fmt.Errorf("truncated weights at layer %d", i)
			}
			w[j] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
			off += 8
		}
		bvec := make([]float64, out)
		for j := range bvec {
			if off+8 > len(data) {
				return nil, fmt.Errorf("truncated biases at layer %d", i)
			}
			bvec[j] = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
			off += 8
		}
		layers = append(layers, layer{in: in, out: out, w: w, b: bvec})
	}
	return layers, nil
}

func (b *scalarBackend) Serialize(h Handle) ([]byte, error) {
	sh, err := b.lookup(h)
	if err != nil {
		return nil, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return encodeLayers(sh.layers), nil
}

func (b *scalarBackend) DeserializeInto(h Handle, data []byte, blend float64) error {
	sh, err := b.lookup(h)
	if err != nil {
		return err
	}
	if blend < 0 || blend > 1 {
		return NewError(KindInvalid, "blend must be within [0,1]", nil)
	}
	other, err := decodeLayers(data)
	if err != nil {
		return NewError(KindInvalid, "corrupt weight blob", err)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(other) != len(sh.layers) {
		return NewError(KindShapeMismatch, "blended network has a different layer count", nil)
	}
	for i := range sh.layers {
		dst := &sh.layers[i]
		src := other[i]
		if len(dst.w) != len(src.w) || len(dst.b) != len(src.b) {
			return NewError(KindShapeMismatch, "blended layer shape mismatch", nil)
		}
		for j := range dst.w {
			dst.w[j] = (1-blend)*dst.w[j] + blend*src.w[j]
		}
		for j := range dst.b {
			dst.b[j] = (1-blend)*dst.b[j] + blend*src.b[j]
		}
	}
	return nil
}
