package records

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	"github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"go.uber.org/zap"

	"github.com/yuryprokashev/public-writing/internal/blob"
	apperrors "github.com/yuryprokashev/public-writing/internal/errors"
)

// Writer names.
const (
	WriterJSON     = "json"
	WriterFirehose = "kinesis_firehose"
)

// JSONCollectionKey is where the JSON writer puts the collection.
const JSONCollectionKey = "glue-db/json-data-collection/records.json"

// MaxFirehoseBatch is the PutRecordBatch record limit.
const MaxFirehoseBatch = 500

// WriteResult summarizes a write.
type WriteResult struct {
	Written        int `json:"written"`
	FailedPutCount int `json:"failed_put_count"`
}

// Writer persists records.
type Writer interface {
	Write(ctx context.Context, records []Record) (WriteResult, error)
}

func encodeLine(buf *bytes.Buffer, r Record) error {
	if err := json.NewEncoder(buf).Encode(r); err != nil {
		return apperrors.Internal(apperrors.CodeInvalidInput, "failed to encode record").WithCause(err).Build()
	}
	return nil
}

// JSONWriter stores all records as one newline-delimited JSON object.
type JSONWriter struct {
	objects blob.Writer
}

// NewJSONWriter creates the writer.
func NewJSONWriter(objects blob.Writer) *JSONWriter {
	return &JSONWriter{objects: objects}
}

func (w *JSONWriter) Write(ctx context.Context, records []Record) (WriteResult, error) {
	var buf bytes.Buffer
	for _, r := range records {
		if err := encodeLine(&buf, r); err != nil {
			return WriteResult{}, err
		}
	}
	if err := w.objects.Put(ctx, JSONCollectionKey, buf.Bytes(), "application/x-ndjson"); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Written: len(records)}, nil
}

// FirehoseClient is the subset of the Firehose API the writer uses.
type FirehoseClient interface {
	PutRecordBatch(ctx context.Context, params *firehose.PutRecordBatchInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error)
}

// FirehoseWriter sends one newline-terminated JSON record per Firehose record.
type FirehoseWriter struct {
	client FirehoseClient
	stream string
	logger *zap.Logger
}

// NewFirehoseWriter creates the writer for the delivery stream.
func NewFirehoseWriter(client FirehoseClient, stream string, logger *zap.Logger) *FirehoseWriter {
	return &FirehoseWriter{client: client, stream: stream, logger: logger}
}

// Write sends records in batches of MaxFirehoseBatch. Records Firehose
// rejects are counted in FailedPutCount, not retried.
func (w *FirehoseWriter) Write(ctx context.Context, records []Record) (WriteResult, error) {
	var result WriteResult
	for start := 0; start < len(records); start += MaxFirehoseBatch {
		end := start + MaxFirehoseBatch
		if end > len(records) {
			end = len(records)
		}
		entries := make([]types.Record, 0, end-start)
		for _, r := range records[start:end] {
			var buf bytes.Buffer
			if err := encodeLine(&buf, r); err != nil {
				return result, err
			}
			entries = append(entries, types.Record{Data: buf.Bytes()})
		}

		out, err := w.client.PutRecordBatch(ctx, &firehose.PutRecordBatchInput{
			DeliveryStreamName: aws.String(w.stream),
			Records:            entries,
		})
		if err != nil {
			return result, apperrors.FromAWS(err, apperrors.CodeStreamWriteFailed, "failed to put record batch")
		}
		failed := int(aws.ToInt32(out.FailedPutCount))
		result.FailedPutCount += failed
		result.Written += len(entries) - failed
	}
	if result.FailedPutCount > 0 {
		w.logger.Warn("Firehose rejected records", zap.Int("failed_put_count", result.FailedPutCount))
	}
	return result, nil
}

var (
	_ Writer = (*JSONWriter)(nil)
	_ Writer = (*FirehoseWriter)(nil)
)
