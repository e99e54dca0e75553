package authority

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"driftsync/internal/core/id"
)

// CompressionAlgo tags how an archived payload is stored.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// defaultCompressThreshold is the payload size above which archive records
// are stored compressed.
const defaultCompressThreshold = 10 * 1024

// Archiver builds archive records, compressing payloads above the
// threshold. Safe for concurrent use.
type Archiver struct {
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewArchiver creates the archiver.
func NewArchiver() (*Archiver, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Archiver{
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: defaultCompressThreshold,
	}, nil
}

// Record builds an archive record for one accepted change.
func (a *Archiver) Record(deviceID int64, ack Ack, action string, payload json.RawMessage) ArchiveRecord {
	rec := ArchiveRecord{
		ID:              id.New(),
		DeviceID:        deviceID,
		ClientTxid:      ack.ClientTxid,
		ServerTxid:      ack.ServerTxid,
		TableName:       ack.TableName,
		RecordPK:        ack.RecordPK,
		Action:          action,
		CompressionAlgo: CompressionNone,
		CreatedAt:       time.Now().UTC(),
	}

	if len(payload) > a.compressThreshold {
		rec.PayloadCompressed = a.encoder.EncodeAll(payload, nil)
		rec.CompressionAlgo = CompressionZstd
		return rec
	}
	rec.Payload = payload
	return rec
}

// Payload returns a record's payload, decompressing when needed.
func (a *Archiver) Payload(rec ArchiveRecord) (json.RawMessage, error) {
	if rec.CompressionAlgo != CompressionZstd {
		return rec.Payload, nil
	}
	decompressed, err := a.decoder.DecodeAll(rec.PayloadCompressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress archive payload: %w", err)
	}
	return decompressed, nil
}
