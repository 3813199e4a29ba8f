package upload

import (
	"context"
	"fmt"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

type Cloudinary struct {
	cld *cloudinary.Cloudinary
}

func NewCloudinary(url string) (*Cloudinary, error) {
	cld, err := cloudinary.NewFromURL(url)
	if err != nil {
		return nil, fmt.Errorf("cloudinary configuration error: %w", err)
	}
	return &Cloudinary{cld: cld}, nil
}

func (c *Cloudinary) Upload(ctx context.Context, img Image, folder, publicID string) (string, error) {
	if _, err := ContentType(img); err != nil {
		return "", err
	}
	transformation := "c_limit,w_1200,h_1200,q_auto"
	if folder == FolderAvatars {
		transformation = "c_limit,w_400,h_400,q_auto"
	}

	uploadResult, err := c.cld.Upload.Upload(ctx, img.Reader, uploader.UploadParams{
		Folder:         folder,
		PublicID:       publicID,
		Transformation: transformation,
	})
	if err != nil {
		return "", fmt.Errorf("upload to cloudinary: %w", err)
	}
	if uploadResult.Error.Message != "" {
		return "", fmt.Errorf("upload to cloudinary: %s", uploadResult.Error.Message)
	}
	return uploadResult.SecureURL, nil
}
