package gguf

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/tensorcore/internal/logger"
	"github.com/born-ml/tensorcore/internal/metrics"
	"github.com/born-ml/tensorcore/internal/quant"
	"github.com/born-ml/tensorcore/internal/tensor"
)

// Tensor reads the named tensor's data from r, which must be the same file
// the header was parsed from.
func (c *Content) Tensor(r io.ReaderAt, name string) (*quant.QTensor, error) {
	ti, ok := c.TensorInfo(name)
	if !ok {
		return nil, tensor.NotFoundErrorf("gguf", "tensor %q not present", name)
	}
	return c.load(r, ti)
}

func (c *Content) load(r io.ReaderAt, ti *TensorInfo) (*quant.QTensor, error) {
	if c.ByteOrder == binary.BigEndian && ti.Scheme.Quantized() {
		return nil, tensor.FormatErrorf("gguf", "tensor %q: big-endian %s data is not supported", ti.Name, ti.Scheme)
	}
	data := make([]byte, ti.Size())
	off := c.DataOffset + int64(ti.Offset)
	// ReadAt may report io.EOF alongside a full read at the end of the file.
	if n, err := r.ReadAt(data, off); n < len(data) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, tensor.WrapError(tensor.KindFormat, "gguf", fmt.Errorf("read tensor %q: %w", ti.Name, eof(err)))
	}
	if c.ByteOrder == binary.BigEndian {
		swapElements(data, ti.Scheme.TypeSize())
	}
	return quant.NewQTensor(ti.Shape(), ti.Scheme, data)
}

// swapElements reverses the bytes of each width-byte element in place.
func swapElements(data []byte, width int) {
	if width < 2 {
		return
	}
	for i := 0; i+width <= len(data); i += width {
		e := data[i : i+width]
		for a, b := 0, width-1; a < b; a, b = a+1, b-1 {
			e[a], e[b] = e[b], e[a]
		}
	}
}

// LoadAll reads every tensor of the file in parallel. It returns all
// tensors or, on the first failure, none.
func (c *Content) LoadAll(ctx context.Context, r io.ReaderAt) (map[string]*quant.QTensor, error) {
	start := time.Now()
	var (
		mu  sync.Mutex
		out = make(map[string]*quant.QTensor, len(c.Tensors))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range c.Tensors {
		ti := &c.Tensors[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			q, err := c.load(r, ti)
			if err != nil {
				return err
			}
			mu.Lock()
			out[ti.Name] = q
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	metrics.RecordTensorsLoaded("gguf", len(out))
	logger.Log.Debug("gguf tensors loaded",
		"count", len(out),
		"version", c.Version,
		"elapsed", time.Since(start).String(),
	)
	return out, nil
}
