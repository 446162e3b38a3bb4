package contentsource

import (
	"context"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/got"
	"github.com/docker/go-units"
)

// Fetch downloads url to dest (in parallel chunks when the server accepts range requests)
// and returns a file source over the downloaded copy. client can be nil.
//
// Use it when the remote resource can't be trusted to serve identical bytes on every request.
func Fetch(ctx context.Context, client *http.Client, url, dest string, logger log.Logger, opts ...Option) (*File, error) {
	download := got.NewDownload(ctx, url, dest)
	if client != nil {
		download.Client = client
	}
	download.Logger = logger

	if err := download.Init(); err != nil {
		return nil, ioError("download "+url, err)
	}
	if err := download.Start(); err != nil {
		return nil, ioError("download "+url, err)
	}

	file := NewFile(dest, opts...)
	size, err := file.ContentLength()
	if err != nil {
		return nil, err
	}
	logger.Debugf("Downloaded %s to %s (%s)", url, dest, units.HumanSize(float64(size)))

	return file, nil
}
