package tasks

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"iptracker/internal/config"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

const (
	TypeGeoIPUpdate = "geoip:update"

	DefaultGeoIPEdition = "GeoLite2-City"
	maxmindDownloadURL  = "https://download.maxmind.com/geoip/databases/%s/download?suffix=tar.gz"
)

type GeoIPPayload struct {
	Edition string `json:"edition"`
}

func NewGeoIPUpdateTask(edition string) (*asynq.Task, error) {
	payload, err := json.Marshal(GeoIPPayload{Edition: edition})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeGeoIPUpdate, payload, asynq.MaxRetry(3), asynq.Queue("low")), nil
}

// Reloader picks up a freshly downloaded database.
type Reloader interface {
	Reload() error
}

type GeoIPTaskHandler struct {
	cfg         *config.Config
	reloader    Reloader
	client      *http.Client
	urlTemplate string
}

func NewGeoIPTaskHandler(cfg *config.Config, reloader Reloader) *GeoIPTaskHandler {
	return &GeoIPTaskHandler{
		cfg:         cfg,
		reloader:    reloader,
		client:      &http.Client{},
		urlTemplate: maxmindDownloadURL,
	}
}

func (h *GeoIPTaskHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p GeoIPPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.Edition == "" {
		p.Edition = DefaultGeoIPEdition
	}

	if err := h.Download(ctx, p.Edition); err != nil {
		return err
	}

	if h.reloader != nil {
		if err := h.reloader.Reload(); err != nil {
			return fmt.Errorf("reload %s: %w", p.Edition, err)
		}
	}
	return nil
}

func (h *GeoIPTaskHandler) dbPath(edition string) string {
	return filepath.Join(h.cfg.GeoIPDir, edition+".mmdb")
}

// Download fetches the edition archive and installs its .mmdb file. The file
// is written next to the destination and renamed so readers never see a
// partial database.
func (h *GeoIPTaskHandler) Download(ctx context.Context, edition string) error {
	accountID := h.cfg.GeoIPAccountID
	licenseKey := h.cfg.GeoIPLicenseKey
	if accountID == "" || licenseKey == "" {
		return fmt.Errorf("MaxMind credentials missing: %w", asynq.SkipRetry)
	}

	url := fmt.Sprintf(h.urlTemplate, edition)
	zlog.Info().Str("edition", edition).Msg("Downloading GeoIP database")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(accountID, licenseKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	gzr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if !strings.HasSuffix(header.Name, ".mmdb") {
			continue
		}

		destPath := h.dbPath(edition)
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return err
		}
		tmp := destPath + ".tmp"
		outFile, err := os.Create(tmp)
		if err != nil {
			return err
		}
		if _, err := io.Copy(outFile, tr); err != nil {
			outFile.Close()
			_ = os.Remove(tmp)
			return err
		}
		if err := outFile.Close(); err != nil {
			_ = os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, destPath); err != nil {
			return err
		}
		zlog.Info().Str("path", destPath).Msg("Updated GeoIP database")
		return nil
	}

	return fmt.Errorf("mmdb not found in archive")
}
