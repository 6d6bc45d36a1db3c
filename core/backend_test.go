package core

import "testing"

func testConfig(arch ...int) AgentConfig {
	return AgentConfig{NetworkKind: NetworkMLP, Architecture: arch, Activation: ActivationReLU, LearningRate: 0.05}
}

func TestScalarBackendAllocateAndForward(t *testing.T) {
	b := NewScalarBackend(0, 42)
	h, err := b.AllocateNetwork(testConfig(3, 4, 2))
	if err != nil {
		t.Fatalf("AllocateNetwork: %v", err)
	}
	out, err := b.Forward(h, []float64{0.1, 0.2, 0.3})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(out))
	}
}

func TestScalarBackendForwardShapeMismatch(t *testing.T) {
	b := NewScalarBackend(0, 1)
	h, _ := b.AllocateNetwork(testConfig(3, 2))
	if _, err := b.Forward(h, []float64{1, 2}); KindOf(err) != KindShapeMismatch {
		t.Fatalf("expected KindShapeMismatch, got %v", err)
	}
}

func TestScalarBackendArenaCapacity(t *testing.T) {
	b := NewScalarBackend(1, 1) // 1 byte capacity, far too small for any network
	if _, err := b.AllocateNetwork(testConfig(4, 4)); KindOf(err) != KindCapacityExceeded {
		t.Fatalf("expected KindCapacityExceeded, got %v", err)
	}
}

func TestScalarBackendReleaseIdempotent(t *testing.T) {
	b := NewScalarBackend(0, 1)
	h, _ := b.AllocateNetwork(testConfig(2, 2))
	if err := b.Release(h); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := b.Release(h); err != nil {
		t.Fatalf("second release should be idempotent, got %v", err)
	}
	if _, err := b.Forward(h, []float64{1, 2}); KindOf(err) != KindInvalid {
		t.Fatalf("forward after release should fail KindInvalid, got %v", err)
	}
}

func TestScalarBackendTrainAccuracyInRange(t *testing.T) {
	b := NewScalarBackend(0, 7)
	h, _ := b.AllocateNetwork(testConfig(2, 4, 1))
	samples := []Sample{
		{Input: []float64{0, 0}, Target: []float64{0}},
		{Input: []float64{1, 1}, Target: []float64{1}},
	}
	res, err := b.Train(h, samples, 50)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.FinalAccuracy < 0 || res.FinalAccuracy > 1 {
		t.Fatalf("accuracy out of range: %f", res.FinalAccuracy)
	}
}

func TestScalarBackendSerializeRoundTrip(t *testing.T) {
	b := NewScalarBackend(0, 3)
	h1, _ := b.AllocateNetwork(testConfig(2, 3, 1))
	h2, _ := b.AllocateNetwork(testConfig(2, 3, 1))
	blob, err := b.Serialize(h1)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if err := b.DeserializeInto(h2, blob, 1.0); err != nil {
		t.Fatalf("DeserializeInto with blend=1: %v", err)
	}
	out1, _ := b.Forward(h1, []float64{0.5, -0.2})
	out2, _ := b.Forward(h2, []float64{0.5, -0.2})
	for i := range out1 {
		if out1[i] != out2[i] {
			t.Fatalf("expected identical outputs after full blend, got %v vs %v", out1, out2)
		}
	}
}

func TestScalarBackendDeserializeShapeMismatch(t *testing.T) {
	b := NewScalarBackend(0, 5)
	h1, _ := b.AllocateNetwork(testConfig(2, 3, 1))
	h2, _ := b.AllocateNetwork(testConfig(2, 5, 1))
	blob, _ := b.Serialize(h1)
	if err := b.DeserializeInto(h2, blob, 0.5); KindOf(err) != KindShapeMismatch {
		t.Fatalf("expected KindShapeMismatch, got %v", err)
	}
}

func TestSIMDProbeSelectsBackend(t *testing.T) {
	b := NewBackend(0, 1)
	if b.Name() != "scalar" && b.Name() != "simd" {
		t.Fatalf("unexpected backend name %q", b.Name())
	}
}
