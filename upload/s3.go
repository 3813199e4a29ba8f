package upload

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the part of *s3.Client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3 struct {
	client  ObjectPutter
	bucket  string
	baseURL string
}

// NewS3 loads the default AWS credential chain for region. Objects are
// served from baseURL, or from the bucket's virtual-hosted URL when empty.
func NewS3(ctx context.Context, region, bucket, baseURL string) (*S3, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
	}
	return NewS3WithClient(s3.NewFromConfig(cfg), bucket, baseURL), nil
}

func NewS3WithClient(client ObjectPutter, bucket, baseURL string) *S3 {
	return &S3{client: client, bucket: bucket, baseURL: strings.TrimRight(baseURL, "/")}
}

func (u *S3) Upload(ctx context.Context, img Image, folder, publicID string) (string, error) {
	contentType, err := ContentType(img)
	if err != nil {
		return "", err
	}
	key := folder + "/" + publicID + strings.ToLower(filepath.Ext(img.Name))

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        img.Reader,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put s3 object: %w", err)
	}
	return u.baseURL + "/" + key, nil
}
