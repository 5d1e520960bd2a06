package geoip

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// downloadGeoDB fetches the geo ip database into dest. The file is written
// next to dest first and renamed so readers never see a partial database.
func downloadGeoDB(ctx context.Context, uri string, dest string) error {
	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	var reader io.Reader = resp.Body
	if strings.Contains(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		defer gz.Close()
		reader = gz
	}

	out, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(out.Name())

	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		return fmt.Errorf("failed to write to file: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}

	if err := os.Rename(out.Name(), dest); err != nil {
		return fmt.Errorf("failed to replace %s: %w", dest, err)
	}

	return nil
}
