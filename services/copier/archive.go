package copier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

// ObjectPutter uploads one object.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// S3Archiver uploads zstd-compressed schema dumps, age-encrypted when a
// recipient is configured.
type S3Archiver struct {
	objects   ObjectPutter
	recipient age.Recipient
}

// NewS3Archiver parses ageRecipient (an age1... public key) when non-empty.
func NewS3Archiver(objects ObjectPutter, ageRecipient string) (*S3Archiver, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	a := &S3Archiver{objects: objects}
	if ageRecipient != "" {
		r, err := age.ParseX25519Recipient(ageRecipient)
		if err != nil {
			return nil, fmt.Errorf("parse archive recipient: %w", err)
		}
		a.recipient = r
	}
	return a, nil
}

// Key is the object key of copyID's schema archive.
func (a *S3Archiver) Key(copyID string) string {
	key := "db-copies/" + copyID + "/schema.sql.zst"
	if a.recipient != nil {
		key += ".age"
	}
	return key
}

// Archive compresses, optionally encrypts, and uploads schemaPath.
func (a *S3Archiver) Archive(ctx context.Context, copyID, schemaPath string) error {
	f, err := os.Open(schemaPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	var sink io.WriteCloser = nopWriteCloser{&buf}
	if a.recipient != nil {
		sink, err = age.Encrypt(&buf, a.recipient)
		if err != nil {
			return fmt.Errorf("encrypt archive: %w", err)
		}
	}

	enc, err := zstd.NewWriter(sink)
	if err != nil {
		return fmt.Errorf("compress archive: %w", err)
	}
	if _, err := io.Copy(enc, f); err != nil {
		enc.Close()
		return fmt.Errorf("compress archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("compress archive: %w", err)
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("encrypt archive: %w", err)
	}

	contentType := "application/zstd"
	if a.recipient != nil {
		contentType = "application/octet-stream"
	}
	return a.objects.PutObject(ctx, a.Key(copyID), buf.Bytes(), contentType)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
