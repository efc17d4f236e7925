package telegram

import (
	"context"
	"io"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/osintops/dragnet/internal/faults"
)

// DownloadMedia streams the referenced file into w and returns the byte
// count. The caller owns temp-file handling and hashing.
func (c *gotdClient) DownloadMedia(ctx context.Context, ref *MediaRef, w io.Writer) (int64, error) {
	loc, ok := ref.Location.(tg.InputFileLocationClass)
	if !ok {
		return 0, &faults.ValidationFailedError{What: "media download location"}
	}
	cw := &countingWriter{w: w}
	_, err := downloader.NewDownloader().Download(c.api, loc).Stream(ctx, cw)
	if err != nil {
		return cw.n, ClassifyError(err)
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
