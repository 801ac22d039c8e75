package reports

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/solatis/attributor/internal/types"
)

/*
 * Histogram payload codec.
 *
 * Wire shape (CBOR):
 *   {"data": [{"bucket": bstr(16), "value": bstr(4)}, ...]}
 *
 * Buckets are 128-bit big-endian unsigned integers, values 32-bit big-endian.
 * Decoding accepts shorter byte strings (leading zeros trimmed by other
 * encoders) but rejects anything wider than the field.
 */

const (
	bucketBytes = types.MaxKeyPieceBits / 8
	valueBytes  = 4
)

type histogramPayload struct {
	Data []histogramEntry `cbor:"data"`
}

type histogramEntry struct {
	Bucket []byte `cbor:"bucket"`
	Value  []byte `cbor:"value"`
}

var encMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor: invalid encode options: %v", err))
	}
	return mode
}()

// EncodeHistogram encodes contributions as the CBOR histogram payload.
func EncodeHistogram(contributions []types.AggregateHistogramContribution) ([]byte, error) {
	payload := histogramPayload{Data: make([]histogramEntry, 0, len(contributions))}
	for i, c := range contributions {
		bucket := make([]byte, bucketBytes)
		if c.Bucket != nil {
			if c.Bucket.Sign() < 0 || c.Bucket.BitLen() > types.MaxKeyPieceBits {
				return nil, fmt.Errorf("contribution %d: %w: bucket out of range", i, types.ErrInvalidAggregateKey)
			}
			c.Bucket.FillBytes(bucket)
		}
		value := make([]byte, valueBytes)
		binary.BigEndian.PutUint32(value, c.Value)
		payload.Data = append(payload.Data, histogramEntry{Bucket: bucket, Value: value})
	}
	b, err := encMode.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode histogram: %w", err)
	}
	return b, nil
}

// DecodeHistogram parses a CBOR histogram payload.
func DecodeHistogram(data []byte) ([]types.AggregateHistogramContribution, error) {
	var payload histogramPayload
	if err := cbor.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode histogram: %w", err)
	}
	out := make([]types.AggregateHistogramContribution, 0, len(payload.Data))
	for i, e := range payload.Data {
		if len(e.Bucket) > bucketBytes {
			return nil, fmt.Errorf("entry %d: bucket is %d bytes, max %d", i, len(e.Bucket), bucketBytes)
		}
		if len(e.Value) > valueBytes {
			return nil, fmt.Errorf("entry %d: value is %d bytes, max %d", i, len(e.Value), valueBytes)
		}
		padded := make([]byte, valueBytes)
		copy(padded[valueBytes-len(e.Value):], e.Value)
		out = append(out, types.AggregateHistogramContribution{
			Bucket: new(big.Int).SetBytes(e.Bucket),
			Value:  binary.BigEndian.Uint32(padded),
		})
	}
	return out, nil
}
