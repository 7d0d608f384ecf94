package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/andresmejia3/faceverify/internal/imaging"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

type fakeFace struct {
	box       [4]int32
	score     float32
	landmarks []float32
	vec       []float32
}

func okPayload(faces ...fakeFace) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(0) // Status OK
	binary.Write(payload, binary.BigEndian, uint32(len(faces)))
	for _, f := range faces {
		binary.Write(payload, binary.BigEndian, f.box)
		binary.Write(payload, binary.BigEndian, f.score)
		binary.Write(payload, binary.BigEndian, uint32(len(f.landmarks)/2))
		binary.Write(payload, binary.BigEndian, f.landmarks)
		binary.Write(payload, binary.BigEndian, uint32(len(f.vec)))
		binary.Write(payload, binary.BigEndian, f.vec)
	}
	return payload.Bytes()
}

func errPayload(msg string) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)
	return payload.Bytes()
}

// framed prefixes each payload with its length, as the worker does on FD 3.
func framed(payloads ...[]byte) *MockCloser {
	m := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, p := range payloads {
		binary.Write(m, binary.BigEndian, uint32(len(p)))
		m.Write(p)
	}
	return m
}

func mockWorker(id int, replies ...[]byte) *PythonWorker {
	return &PythonWorker{
		ID:       id,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: framed(replies...),
		// Cmd is nil because we aren't testing process management, just the protocol
	}
}

func sampleFace() fakeFace {
	vec := make([]float32, 128)
	vec[0] = 0.5
	return fakeFace{
		box:       [4]int32{10, 20, 70, 100},
		score:     0.97,
		landmarks: []float32{30, 50, 55, 50, 42, 70},
		vec:       vec,
	}
}

func TestProcessFrame(t *testing.T) {
	second := sampleFace()
	second.score = 0.5
	w := mockWorker(1, okPayload(sampleFace(), second))

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	resp, err := w.ProcessFrame(inputFrame)
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}

	// Verify Go sent the correct data TO Python
	sentData := w.Stdin.(*MockCloser).Bytes()
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}
	if binary.BigEndian.Uint32(sentData[:4]) != uint32(len(inputFrame)) {
		t.Errorf("bad length header %x", sentData[:4])
	}

	if len(resp) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(resp))
	}
	face := resp[0]
	if face.Box.X != 10 || face.Box.Y != 20 || face.Box.Width != 60 || face.Box.Height != 80 {
		t.Errorf("unexpected box %+v", face.Box)
	}
	if math.Abs(face.Score-0.97) > 1e-6 {
		t.Errorf("Expected score approx 0.97, got %f", face.Score)
	}
	if len(face.Landmarks) != 3 || face.Landmarks[2].X != 42 || face.Landmarks[2].Y != 70 {
		t.Errorf("unexpected landmarks %+v", face.Landmarks)
	}
	if len(face.Descriptor) != 128 || math.Abs(face.Descriptor[0]-0.5) > 1e-9 {
		t.Errorf("unexpected descriptor (len %d)", len(face.Descriptor))
	}
	if resp[1].Score >= resp[0].Score {
		t.Error("faces should keep the worker's order")
	}
}

func TestProcessFrame_NoFaces(t *testing.T) {
	w := mockWorker(1, okPayload())
	resp, err := w.ProcessFrame([]byte("frame"))
	if err != nil {
		t.Fatalf("ProcessFrame failed: %v", err)
	}
	if len(resp) != 0 {
		t.Errorf("expected no faces, got %d", len(resp))
	}
}

func TestProcessFrame_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	w := mockWorker(1, errPayload(errMsg))

	_, err := w.ProcessFrame([]byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
	if !isRemote(err) {
		t.Error("expected a RemoteError")
	}
}

func TestProcessFrame_Malformed(t *testing.T) {
	good := okPayload(sampleFace())

	tests := []struct {
		name    string
		payload []byte
	}{
		{"Empty", []byte{}},
		{"Unknown status", []byte{7}},
		{"Truncated face", good[:len(good)-10]},
		{"Huge descriptor", append(append([]byte{}, good[:len(good)-4*128-4]...), 0xFF, 0xFF, 0xFF, 0xFF)},
		{"Huge error message", []byte{1, 0, 0, 1, 0, 'x'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := mockWorker(1, tt.payload)
			_, err := w.ProcessFrame([]byte("frame"))
			if err == nil {
				t.Fatal("expected error")
			}
			if isRemote(err) {
				t.Errorf("corrupt stream should not look like a remote error: %v", err)
			}
		})
	}
}

func TestProcessFrame_InvertedBox(t *testing.T) {
	f := sampleFace()
	f.box = [4]int32{50, 50, 40, 40}
	resp, err := mockWorker(1, okPayload(f)).ProcessFrame([]byte("frame"))
	if err != nil {
		t.Fatal(err)
	}
	if !resp[0].Box.Empty() {
		t.Errorf("inverted box should be empty, got %+v", resp[0].Box)
	}
}

func testImage() *imaging.Image {
	return &imaging.Image{Name: "selfie.jpg", Data: []byte("jpeg")}
}

func TestPoolReturnsPrimaryFace(t *testing.T) {
	spawned := 0
	p := newPool(1, func(id int) (*PythonWorker, error) {
		spawned++
		second := sampleFace()
		second.box = [4]int32{0, 0, 5, 5}
		return mockWorker(id, okPayload(sampleFace(), second), okPayload()), nil
	}, zap.NewNop())

	det, err := p.DetectPrimaryFace(context.Background(), testImage())
	if err != nil {
		t.Fatal(err)
	}
	if det == nil || det.Box.Width != 60 {
		t.Fatalf("expected the first face, got %+v", det)
	}

	det, err = p.DetectPrimaryFace(context.Background(), testImage())
	if err != nil || det != nil {
		t.Fatalf("expected no face, got %+v, %v", det, err)
	}
	if spawned != 1 {
		t.Errorf("worker should be reused, spawned %d", spawned)
	}
	p.Close()
}

func TestPoolKeepsWorkerOnRemoteError(t *testing.T) {
	spawned := 0
	p := newPool(1, func(id int) (*PythonWorker, error) {
		spawned++
		return mockWorker(id, errPayload("cannot identify image file"), okPayload(sampleFace())), nil
	}, zap.NewNop())

	if _, err := p.DetectPrimaryFace(context.Background(), testImage()); !isRemote(err) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if _, err := p.DetectPrimaryFace(context.Background(), testImage()); err != nil {
		t.Fatalf("second frame failed: %v", err)
	}
	if spawned != 1 {
		t.Errorf("expected one spawn, got %d", spawned)
	}
}

func TestPoolRespawnsCrashedWorker(t *testing.T) {
	spawned := 0
	p := newPool(1, func(id int) (*PythonWorker, error) {
		spawned++
		if spawned == 1 {
			return mockWorker(id), nil // no reply: pipe hits EOF like a dead process
		}
		return mockWorker(id, okPayload(sampleFace())), nil
	}, zap.NewNop())

	_, err := p.DetectPrimaryFace(context.Background(), testImage())
	if err == nil || !strings.Contains(err.Error(), "crashed") {
		t.Fatalf("expected crash error, got %v", err)
	}

	det, err := p.DetectPrimaryFace(context.Background(), testImage())
	if err != nil || det == nil {
		t.Fatalf("respawned worker failed: %+v, %v", det, err)
	}
	if spawned != 2 {
		t.Errorf("expected respawn, got %d spawns", spawned)
	}
}

func TestPoolStartFailureFreesSlot(t *testing.T) {
	calls := 0
	p := newPool(1, func(id int) (*PythonWorker, error) {
		calls++
		return nil, errors.New("python3: not found")
	}, zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := p.DetectPrimaryFace(context.Background(), testImage()); err == nil {
			t.Fatal("expected start error")
		}
	}
	if calls != 3 {
		t.Errorf("each request should retry the start, got %d", calls)
	}
}

func TestPoolHonorsCancelledContext(t *testing.T) {
	p := newPool(1, func(id int) (*PythonWorker, error) {
		return mockWorker(id, okPayload(sampleFace())), nil
	}, zap.NewNop())

	// Hold the only slot.
	held := <-p.slots

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.DetectPrimaryFace(ctx, testImage()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	p.slots <- held
}
