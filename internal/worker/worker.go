package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/faceverify/internal/types"
	"github.com/andresmejia3/faceverify/internal/utils" // Using the SafeCommand wrapper
)

// Upper bounds on a single reply. Anything larger is a corrupt stream.
const (
	maxFaces     = 1024
	maxLandmarks = 4096
	maxDims      = 4096
)

// RemoteError is a failure reported by the Python side through the protocol.
// The worker process itself is still healthy after one of these.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return "python worker error: " + e.Msg
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewPythonWorker starts `bin -u script` with a side-channel pipe on FD 3.
func NewPythonWorker(id int, bin, script string) (*PythonWorker, error) {
	py := utils.NewSafeCommand(bin, "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one length-prefixed request and reads one
// length-prefixed reply.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a worker that died on import lands here
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame runs detection on one encoded image and returns every face
// the model found, primary face first.
func (w *PythonWorker) ProcessFrame(data []byte) ([]types.Detection, error) {
	resp, err := w.Communicate(data)
	if err != nil {
		return nil, err
	}
	return decodeReply(resp)
}

// decodeReply parses
//
//	[status u8]
//	status 0: [n u32] n × ([x1 y1 x2 y2 i32][score f32][L u32][L × (x f32, y f32)][D u32][D × f32])
//	status 1: [len u32][message]
func decodeReply(resp []byte) ([]types.Detection, error) {
	r := bytes.NewReader(resp)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty reply from worker")
	}

	switch status {
	case 0:
	case 1:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("malformed error reply: %w", err)
		}
		if int64(n) > int64(r.Len()) {
			return nil, fmt.Errorf("malformed error reply: message length %d exceeds payload", n)
		}
		msg := make([]byte, n)
		io.ReadFull(r, msg)
		return nil, &RemoteError{Msg: string(msg)}
	default:
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed reply: %w", err)
	}
	if count > maxFaces {
		return nil, fmt.Errorf("malformed reply: %d faces", count)
	}

	faces := make([]types.Detection, 0, count)
	for i := uint32(0); i < count; i++ {
		det, err := decodeFace(r)
		if err != nil {
			return nil, fmt.Errorf("malformed reply (face %d): %w", i, err)
		}
		faces = append(faces, det)
	}
	return faces, nil
}

func decodeFace(r *bytes.Reader) (types.Detection, error) {
	var det types.Detection

	var box [4]int32
	if err := binary.Read(r, binary.BigEndian, &box); err != nil {
		return det, err
	}
	det.Box = types.BoundingBox{
		X:      int(box[0]),
		Y:      int(box[1]),
		Width:  max(0, int(box[2]-box[0])),
		Height: max(0, int(box[3]-box[1])),
	}

	var score float32
	if err := binary.Read(r, binary.BigEndian, &score); err != nil {
		return det, err
	}
	det.Score = float64(score)

	pts, err := readFloats(r, maxLandmarks, 2)
	if err != nil {
		return det, fmt.Errorf("landmarks: %w", err)
	}
	det.Landmarks = make([]types.Point, len(pts)/2)
	for i := range det.Landmarks {
		det.Landmarks[i] = types.Point{X: float64(pts[2*i]), Y: float64(pts[2*i+1])}
	}

	vec, err := readFloats(r, maxDims, 1)
	if err != nil {
		return det, fmt.Errorf("descriptor: %w", err)
	}
	det.Descriptor = make([]float64, len(vec))
	for i, v := range vec {
		det.Descriptor[i] = float64(v)
	}
	return det, nil
}

// readFloats reads a u32 count followed by count*stride big-endian float32s.
func readFloats(r *bytes.Reader, limit uint32, stride int) ([]float32, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n > limit || int64(n)*int64(stride)*4 > int64(r.Len()) {
		return nil, fmt.Errorf("count %d exceeds payload", n)
	}
	out := make([]float32, int(n)*stride)
	if err := binary.Read(r, binary.BigEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Kill stops the process without waiting for it to finish its current frame.
func (w *PythonWorker) Kill() {
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Wait()
	}
}

// Logs returns whatever the worker wrote to stderr.
func (w *PythonWorker) Logs() string {
	return w.Cmd.Logs()
}

func isRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
