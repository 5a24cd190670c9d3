package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3MinPart is the smallest part S3 accepts in a multipart upload.
const s3MinPart int64 = 5 << 20

// Writer uploads archive chunks. Small chunks go up in one PutObject; the
// archiver switches to PutMultipart past its threshold.
type Writer struct {
	client *s3.Client
	bucket string
}

func NewWriter(c *Client) *Writer {
	return &Writer{client: c.S3(), bucket: c.Bucket()}
}

func (w *Writer) object(key string, body io.Reader) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
}

// Put stores data under key in a single request.
func (w *Writer) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	in := w.object(key, data)
	in.ContentType = aws.String(contentType)
	if _, err := w.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", key, err)
	}
	return nil
}

// PutMultipart streams data through the transfer manager. Parts smaller than
// the S3 minimum are raised to it.
func (w *Writer) PutMultipart(ctx context.Context, key string, data io.Reader, partSize int64) error {
	up := manager.NewUploader(w.client, func(u *manager.Uploader) {
		u.PartSize = max(partSize, s3MinPart)
	})
	if _, err := up.Upload(ctx, w.object(key, data)); err != nil {
		return fmt.Errorf("s3blob: multipart put %s: %w", key, err)
	}
	return nil
}
