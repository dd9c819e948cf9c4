package llm

import (
	"context"
	"encoding/base64"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/photograder/internal/model"
)

// mimeOf returns the declared MIME type of img, sniffing the payload when
// none was recorded.
func mimeOf(img model.Image) string {
	if img.MIMEType != "" {
		return img.MIMEType
	}
	return mimetype.Detect(img.Data).String()
}

// dataURLs base64-encodes every image into a data URL, preserving order.
func dataURLs(ctx context.Context, imgs []model.Image) ([]string, error) {
	urls := make([]string, len(imgs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, img := range imgs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			urls[i] = "data:" + mimeOf(img) + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}
