package transport

import (
	"bytes"
	"compress/zlib"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var jsonConfig = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: false,
}.Froze()

// consumeAndClose reads everything left in r and closes it, so the connection can be reused.
func consumeAndClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, r)
	_ = r.Close()
}

// MarshalJSON encodes data with the frozen json-iterator config used for every payload.
func MarshalJSON(data interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	stream := jsonConfig.BorrowStream(buf)
	defer jsonConfig.ReturnStream(stream)
	stream.WriteVal(data)
	if stream.Error != nil {
		return nil, stream.Error
	}
	if err := stream.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Compress deflates raw with zlib at the best compression level.
func Compress(raw []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	compressor, err := zlib.NewWriterLevel(buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}

	_, _ = compressor.Write(raw) // error is propagated through Close
	if err = compressor.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
