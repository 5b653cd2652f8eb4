package upload

import (
	"fmt"
	"net/http"
	"time"

	"talkready/internal/config"
)

// New builds the uploader selected by cfg.UploadProvider.
func New(cfg *config.Config) (Uploader, error) {
	switch cfg.UploadProvider {
	case config.UploadCloudinary, "":
		if cfg.CloudinaryCloudName == "" || cfg.CloudinaryUploadPreset == "" {
			return nil, fmt.Errorf("cloudinary upload needs CLOUDINARY_CLOUD_NAME and CLOUDINARY_UPLOAD_PRESET")
		}
		return NewCloudinary(cfg.CloudinaryBaseURL, cfg.CloudinaryCloudName, cfg.CloudinaryUploadPreset, &http.Client{Timeout: 60 * time.Second}), nil
	case config.UploadS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 upload needs S3_BUCKET")
		}
		return NewS3(S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PublicBaseURL:   cfg.S3PublicBaseURL,
		}), nil
	default:
		return nil, fmt.Errorf("unknown upload provider: %s", cfg.UploadProvider)
	}
}
