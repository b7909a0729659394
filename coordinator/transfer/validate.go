// Copyright (C) 2025 RedP2P Labs.
// See LICENSE for copying information.

package transfer

import (
	"path/filepath"
	"regexp"
	"strings"
)

var allowedExtensions = map[string]bool{
	".pdf": true, ".txt": true, ".doc": true, ".docx": true,
	".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".svg": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true, ".wav": true,
	".zip": true, ".rar": true, ".7z": true, ".tar": true, ".gz": true,
	".py": true, ".js": true, ".html": true, ".css": true,
	".json": true, ".xml": true,
}

const maxFilenameLength = 255

var hashRx = regexp.MustCompile(`^[0-9a-f]{64}$`)

// dangerous covers path traversal plus characters that are unsafe on at
// least one supported filesystem.
var dangerous = []string{"..", "/", "\\", ":", "*", "?", "\"", "<", ">", "|"}

// ValidateFilename rejects empty, oversized and unsafe file names.
func ValidateFilename(filename string) error {
	if filename == "" {
		return ErrValidation.New("filename is required")
	}
	if len(filename) > maxFilenameLength {
		return ErrValidation.New("filename exceeds %d characters", maxFilenameLength)
	}
	for _, seq := range dangerous {
		if strings.Contains(filename, seq) {
			return ErrValidation.New("filename contains forbidden sequence %q", seq)
		}
	}
	return nil
}

// ValidateExtension checks the filename extension against the allow-list.
func ValidateExtension(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return ErrValidation.New("extension %q is not allowed", ext)
	}
	return nil
}

// ValidateHash checks for a lowercase SHA-256 hex digest.
func ValidateHash(hash string) error {
	if !hashRx.MatchString(hash) {
		return ErrValidation.New("file_hash must be a 64 character SHA-256 hex digest")
	}
	return nil
}

// ValidateSize checks the payload size against the configured bounds.
func ValidateSize(size, max int64) error {
	if size < 1 {
		return ErrValidation.New("file is empty")
	}
	if size > max {
		return ErrValidation.New("file exceeds the %d byte limit", max)
	}
	return nil
}
