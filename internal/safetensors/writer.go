package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"

	json "github.com/goccy/go-json"

	"github.com/born-ml/tensorcore/internal/tensor"
)

// Write encodes tensors and optional metadata in safetensors layout. Data is
// laid out in name order and the header is space-padded to a multiple of 8.
func Write(w io.Writer, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	if err := write(w, tensors, metadata); err != nil {
		return fmt.Errorf("safetensors: write: %w", err)
	}
	return nil
}

func write(w io.Writer, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name, t := range tensors {
		if name == metadataKey {
			return tensor.FormatErrorf("safetensors", "tensor name %q is reserved", name)
		}
		if t == nil {
			return fmt.Errorf("tensor %q is nil", name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	blobs := make([][]byte, len(names))
	var offset int64
	for i, name := range names {
		t := tensors[name]
		dt, err := DTypeName(t.DType())
		if err != nil {
			return fmt.Errorf("tensor %q: %w", name, err)
		}
		data, err := t.ContiguousBytes()
		if err != nil {
			return fmt.Errorf("tensor %q: %w", name, err)
		}
		shape := t.Shape().Dims()
		if shape == nil {
			shape = []int{}
		}
		header[name] = Info{
			DType:       dt,
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + int64(len(data))},
		}
		blobs[i] = data
		offset += int64(len(data))
	}

	js, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if pad := (8 - len(js)%8) % 8; pad > 0 {
		js = append(js, make([]byte, pad)...)
		for i := len(js) - pad; i < len(js); i++ {
			js[i] = ' '
		}
	}

	bw := bufio.NewWriter(w)
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(js)))
	if _, err := bw.Write(size[:]); err != nil {
		return err
	}
	if _, err := bw.Write(js); err != nil {
		return err
	}
	for _, data := range blobs {
		if _, err := bw.Write(data); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes tensors to path, replacing any existing file.
func WriteFile(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) (err error) {
	f, err := os.Create(path) //nolint:gosec // caller-chosen path
	if err != nil {
		return fmt.Errorf("safetensors: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("safetensors: %w", cerr)
		}
	}()
	return Write(f, tensors, metadata)
}
