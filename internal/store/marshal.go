package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// zstd encoders and decoders are safe for concurrent use and are reused
// across calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	faultMode   cbor.EncMode
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
	faultMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
}

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func decompress(blob []byte) ([]byte, error) {
	data, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return data, nil
}

func marshalFaults(faults []string) ([]byte, error) {
	data, err := faultMode.Marshal(faults)
	if err != nil {
		return nil, fmt.Errorf("marshal faults: %w", err)
	}
	return data, nil
}

func unmarshalFaults(data []byte) ([]string, error) {
	var faults []string
	if err := cbor.Unmarshal(data, &faults); err != nil {
		return nil, fmt.Errorf("unmarshal faults: %w", err)
	}
	return faults, nil
}
