package upload

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// Assemble turns the chunks of a batch into an encoding. The chunks must form
// the contiguous run 0..n-1; the first gap is reported as a MissingChunkError.
// The chunk data is returned in index order.
func Assemble(b *Batch, enc assets.EncodingType, now time.Time) (assets.AssetEncoding, [][]byte, error) {
	if !enc.Valid() {
		return assets.AssetEncoding{}, nil, fmt.Errorf("%w: %q", assets.ErrInvalidEncoding, enc)
	}
	n := uint32(len(b.Chunks))
	if n == 0 {
		return assets.AssetEncoding{}, nil, &assets.MissingChunkError{Index: 0}
	}
	ordered := make([][]byte, n)
	for i := uint32(0); i < n; i++ {
		data, ok := b.Chunks[i]
		if !ok {
			return assets.AssetEncoding{}, nil, &assets.MissingChunkError{Index: i}
		}
		ordered[i] = data
	}
	if err := checkFraming(enc, ordered); err != nil {
		return assets.AssetEncoding{}, nil, err
	}

	return assets.NewEncoding(ordered, now), ordered, nil
}

// checkFraming rejects gzip encodings whose content does not open with a
// gzip header. The header may span chunk boundaries.
func checkFraming(enc assets.EncodingType, ordered [][]byte) error {
	if enc != assets.EncodingGzip {
		return nil
	}
	readers := make([]io.Reader, len(ordered))
	for i, data := range ordered {
		readers[i] = bytes.NewReader(data)
	}
	zr, err := gzip.NewReader(io.MultiReader(readers...))
	if err != nil {
		return fmt.Errorf("%w: gzip body: %v", assets.ErrInvalidEncoding, err)
	}
	_ = zr.Close()
	return nil
}

// Merge sets one encoding on the asset at key, creating the asset when
// existing is nil. The supplied headers replace the asset's headers.
func Merge(existing *assets.Asset, key assets.AssetKey, enc assets.EncodingType, encoding assets.AssetEncoding, headers []assets.HeaderField, now time.Time) *assets.Asset {
	var a *assets.Asset
	if existing == nil {
		a = &assets.Asset{
			Key:       key,
			Encodings: make(map[assets.EncodingType]assets.AssetEncoding),
			CreatedAt: now,
		}
	} else {
		a = existing.Clone()
		a.Key.Name = key.Name
		a.Key.Token = key.Token
		a.Key.Description = key.Description
	}
	a.Headers = append([]assets.HeaderField(nil), headers...)
	a.Encodings[enc] = encoding
	a.UpdatedAt = now
	return a
}
