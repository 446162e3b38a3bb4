package contentsource

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
)

// ComputeSHA1 reads a stream of src and returns the hex-encoded SHA1 of its bytes.
func ComputeSHA1(src ContentSource) (string, error) {
	rc, err := src.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close() //nolint:errcheck

	hash := sha1.New()
	if _, err := io.Copy(hash, rc); err != nil {
		return "", ioError("hash content", err)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// ResolveSHA1 returns the precomputed SHA1 of src, or computes it when src doesn't know it.
func ResolveSHA1(src ContentSource) (string, error) {
	sum, ok, err := src.SHA1()
	if err != nil {
		return "", err
	}
	if ok {
		return sum, nil
	}
	return ComputeSHA1(src)
}
