// Package upload stores user images and returns their public URLs.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"rewear/config"
)

const (
	FolderItems   = "rewear/items"
	FolderAvatars = "rewear/avatars"

	MaxImageBytes = 5 << 20
)

var (
	ErrDisabled     = errors.New("image uploads are not configured")
	ErrNotAnImage   = errors.New("only jpg, png, webp and gif images are accepted")
	ErrImageTooBig  = errors.New("image exceeds 5MB")
	imageExtensions = map[string]string{
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".png":  "image/png",
		".webp": "image/webp",
		".gif":  "image/gif",
	}
)

// Image is one file to store. Name is only used for its extension.
type Image struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// Uploader stores an image under folder with the given public id.
type Uploader interface {
	Upload(ctx context.Context, img Image, folder, publicID string) (string, error)
}

// ContentType validates the image and returns its MIME type.
func ContentType(img Image) (string, error) {
	ct, ok := imageExtensions[strings.ToLower(filepath.Ext(img.Name))]
	if !ok {
		return "", ErrNotAnImage
	}
	if img.Size > MaxImageBytes {
		return "", ErrImageTooBig
	}
	return ct, nil
}

// New picks the backend named by cfg.UploadProvider.
func New(ctx context.Context, cfg *config.Config) (Uploader, error) {
	switch cfg.UploadProvider {
	case config.UploadCloudinary:
		if cfg.CloudinaryURL == "" {
			return Disabled{}, nil
		}
		return NewCloudinary(cfg.CloudinaryURL)
	case config.UploadS3:
		return NewS3(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3PublicBaseURL)
	case config.UploadNone:
		return Disabled{}, nil
	}
	return nil, fmt.Errorf("unknown upload provider %q", cfg.UploadProvider)
}

// Disabled rejects every upload.
type Disabled struct{}

func (Disabled) Upload(context.Context, Image, string, string) (string, error) {
	return "", ErrDisabled
}
