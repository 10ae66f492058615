package utils

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/google/uuid"
)

const (
	MaxImageSize = 5 << 20 // 5 MB
	AvatarSubdir = "avatars"
)

// SaveAvatar stores an uploaded image under dir/avatars and returns its public path.
func SaveAvatar(dir string, file multipart.File, header *multipart.FileHeader) (string, error) {
	if header.Size > MaxImageSize {
		return "", apperr.Validation("file size exceeds maximum limit of %d MB", MaxImageSize/(1<<20))
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !isValidImageType(ext) {
		return "", apperr.Validation("invalid file type: %s", ext)
	}

	target := filepath.Join(dir, AvatarSubdir)
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	filename := fmt.Sprintf("%s-%s%s",
		time.Now().Format("20060102"),
		uuid.New().String(),
		ext,
	)

	dst, err := os.Create(filepath.Join(target, filename))
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return "/uploads/" + AvatarSubdir + "/" + filename, nil
}

func isValidImageType(ext string) bool {
	validTypes := map[string]bool{
		".jpg":  true,
		".jpeg": true,
		".png":  true,
		".webp": true,
	}
	return validTypes[ext]
}

// DeleteAvatar removes a file previously returned by SaveAvatar. Missing files are ignored.
func DeleteAvatar(dir, publicPath string) error {
	if publicPath == "" {
		return nil
	}
	filePath := filepath.Join(dir, AvatarSubdir, filepath.Base(publicPath))
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil
	}
	return os.Remove(filePath)
}
