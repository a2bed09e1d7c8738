package ops

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/kairos-io/emberboot/internal"
)

const (
	UserAgent = "EmberBoot"
)

// ServeArtifacts serves local artifacts as a standard http server
func ServeArtifacts(listenAddr, dir string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		fs := http.FileServer(http.Dir(dir))
		http.Handle("/", fs)
		serverOne := &http.Server{
			Addr:    listenAddr,
			Handler: nil,
		}
		go func() {
			<-ctx.Done()
			serverOne.Shutdown(context.Background())
		}()
		internal.Log.Logger.Info().Msgf("Listening on %v...", listenAddr)
		return serverOne.ListenAndServe()
	}
}

// DownloadArtifact downloads artifacts remotely (e.g. http(s), ...)
func DownloadArtifact(url, dst string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := download(ctx, url, dst)
		return err
	}
}

func download(ctx context.Context, url, dst string) (string, error) {
	client := grab.NewClient()
	// https://github.com/cavaliergopher/grab/issues/104
	client.UserAgent = UserAgent
	req, _ := grab.NewRequest(dst, url)
	req = req.WithContext(ctx)

	internal.Log.Logger.Info().Msgf("Downloading %v...", req.URL())
	resp := client.Do(req)
	internal.Log.Logger.Printf("%s:  %v", url, resp.HTTPResponse.Status)

	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	dstFile := filepath.Join(dst, resp.Filename)
Loop:
	for {
		select {
		case <-ctx.Done():
			defer os.RemoveAll(dstFile)
			return dst, fmt.Errorf("context canceled")
		case <-t.C:
			internal.Log.Logger.Printf("%s: transferred %v / %v bytes (%.2f%%)",
				url,
				resp.BytesComplete(),
				resp.Size(),
				100*resp.Progress())

		case <-resp.Done:
			// download is complete
			break Loop
		}
	}

	if err := resp.Err(); err != nil {
		defer os.RemoveAll(dstFile)
		return dstFile, err
	}

	return dstFile, nil
}
