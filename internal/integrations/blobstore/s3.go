// Package blobstore archives received media in S3.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"advora-intake/internal/domain"
)

// s3API is the minimal S3 interface required by Store.
// *s3.Client from aws-sdk-go-v2 satisfies this interface.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store writes media objects under bucket/prefix/<contact>/<yyyy>/<mm>/<dd>/.
type Store struct {
	api    s3API
	bucket string
	prefix string
	now    func() time.Time
	newID  func() string
}

// New creates a Store for the given bucket.
func New(api s3API, bucket, prefix string) (*Store, error) {
	if api == nil {
		return nil, errors.New("blobstore: api must not be nil")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("blobstore: bucket must not be empty")
	}
	return &Store{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// Put uploads the media and returns its s3:// reference.
func (s *Store) Put(ctx context.Context, contactID string, media domain.Media) (string, error) {
	if len(media.Data) == 0 {
		return "", errors.New("blobstore: media data is empty")
	}
	key := s.objectKey(contactID, media)

	metadata := map[string]string{"contact-id": contactID}
	if media.ID != "" {
		metadata["media-id"] = media.ID
	}
	contentType := media.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(media.Data),
		ContentLength:        aws.Int64(int64(len(media.Data))),
		ContentType:          aws.String(contentType),
		Metadata:             metadata,
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: put object %q: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *Store) objectKey(contactID string, media domain.Media) string {
	contact := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, strings.TrimSpace(contactID))
	if contact == "" {
		contact = "unknown"
	}
	day := s.now().UTC().Format("2006/01/02")
	return path.Join(s.prefix, contact, day, s.newID()+extension(media))
}

func extension(media domain.Media) string {
	if ext := path.Ext(media.Filename); ext != "" && len(ext) <= 8 {
		return strings.ToLower(ext)
	}
	switch media.MimeType {
	case "image/jpeg":
		return ".jpg"
	case "application/pdf":
		return ".pdf"
	}
	if exts, err := mime.ExtensionsByType(media.MimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
