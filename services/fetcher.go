package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"pid-provider/config"
	"pid-provider/metrics"
	"pid-provider/models"
	"pid-provider/storage"
	"pid-provider/xmlsps"
)

// CustomTransport fügt jeder Anfrage einen User-Agent-Header hinzu.
type CustomTransport struct {
	Transport http.RoundTripper
}

func (t *CustomTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", "pid-provider/1.0 (+https://scielo.org)")
	return t.Transport.RoundTrip(req)
}

// maxXMLSize begrenzt die Größe eines heruntergeladenen XMLs.
const maxXMLSize = 64 << 20

// maxException ist die Länge, auf die Fehlertexte in FetchRecords gekürzt werden.
const maxException = 255

// Fetcher lädt XMLs von einer URL und registriert sie.
type Fetcher struct {
	provider *Provider
	db       *gorm.DB
	blobs    storage.BlobStore
	client   *http.Client
	timeout  time.Duration
	logger   *zap.Logger
}

// NewFetcher erstellt einen Fetcher.
func NewFetcher(cfg *config.Config, provider *Provider, blobs storage.BlobStore, logger *zap.Logger) *Fetcher {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		provider: provider,
		db:       provider.DB(),
		blobs:    blobs,
		timeout:  timeout,
		logger:   logger,
		client: &http.Client{
			Timeout: timeout,
			Transport: &CustomTransport{
				Transport: http.DefaultTransport,
			},
		},
	}
}

// RegisterByURI lädt das XML unter uri und registriert es. Das Ergebnis
// wird pro URL in einem FetchRecord festgehalten; unerwartete Fehler
// landen nur im EventSink.
func (f *Fetcher) RegisterByURI(ctx context.Context, uri, name string, opts RegisterOptions) (*Response, error) {
	log := f.logger.With(zap.String("url", uri))
	if name == "" {
		name = xmlsps.PkgNameFromFilename(uriBase(uri))
	}
	if opts.Filename == "" {
		opts.Filename = uriBase(uri)
	}

	content, err := f.download(ctx, uri)
	if err != nil {
		log.Warn("Download fehlgeschlagen", zap.Error(err))
		f.save(ctx, &models.FetchRecord{
			URL:       uri,
			Name:      name,
			Status:    models.FetchStatusXMLFetchFailed,
			Exception: Truncate255(err.Error()),
		})
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, uri, err)
	}

	x, err := xmlsps.Parse(content)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidXML, err)
		rec := &models.FetchRecord{
			URL:       uri,
			Name:      name,
			Status:    models.FetchStatusPidProviderXMLFailed,
			Exception: Truncate255(err.Error()),
		}
		rec.BlobKey = f.keep(ctx, name, xmlsps.Digest(string(content)), content)
		f.save(ctx, rec)
		return nil, err
	}

	resp, err := f.provider.ProvidePidForXML(ctx, x, opts)
	switch {
	case err == nil:
		f.save(ctx, &models.FetchRecord{
			URL:             uri,
			Name:            name,
			Status:          models.FetchStatusSuccess,
			LastAssignedPid: resp.V3,
		})
		log.Info("XML über URL registriert", zap.String("v3", resp.V3), zap.String("record_status", resp.RecordStatus))
		return resp, nil
	case IsDomainError(err):
		rec := &models.FetchRecord{
			URL:             uri,
			Name:            name,
			Status:          models.FetchStatusPidProviderXMLFailed,
			LastAssignedPid: x.V3(),
			Exception:       Truncate255(err.Error()),
		}
		rec.BlobKey = f.keep(ctx, name, x.Fingerprint(), x.Bytes())
		f.save(ctx, rec)
		return nil, err
	default:
		metrics.Fetches.WithLabelValues("unexpected").Inc()
		return nil, err
	}
}

// RetryFailed wiederholt bis zu limit URLs, deren Download fehlgeschlagen
// ist, und liefert die Anzahl der nun erfolgreichen.
func (f *Fetcher) RetryFailed(ctx context.Context, limit int) (int, error) {
	var failed []models.FetchRecord
	err := f.db.WithContext(ctx).
		Where("status = ?", models.FetchStatusXMLFetchFailed).
		Order("updated_at").
		Limit(limit).
		Find(&failed).Error
	if err != nil {
		return 0, err
	}

	ok := 0
	for _, rec := range failed {
		if ctx.Err() != nil {
			return ok, ctx.Err()
		}
		if _, err := f.RegisterByURI(ctx, rec.URL, rec.Name, RegisterOptions{User: "fetch-retry"}); err != nil {
			f.logger.Debug("retry failed", zap.String("url", rec.URL), zap.Error(err))
			continue
		}
		ok++
	}
	f.logger.Info("Fetch-Retry abgeschlossen", zap.Int("candidates", len(failed)), zap.Int("succeeded", ok))
	return ok, nil
}

func (f *Fetcher) download(ctx context.Context, uri string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	var body io.Reader = resp.Body
	if strings.HasSuffix(strings.ToLower(uriBase(uri)), ".gz") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		body = gz
	}
	data, err := io.ReadAll(io.LimitReader(body, maxXMLSize))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("empty response body")
	}
	return data, nil
}

// keep sichert das XML eines fehlgeschlagenen Aufrufs; leerer Key, wenn das misslingt.
func (f *Fetcher) keep(ctx context.Context, name, fingerprint string, content []byte) string {
	key := storage.FetchKey(name, fingerprint)
	if err := f.blobs.Put(ctx, key, content); err != nil {
		f.logger.Error("could not store fetched xml", zap.String("key", key), zap.Error(err))
		return ""
	}
	return key
}

// save legt den FetchRecord zur URL an oder überschreibt ihn.
func (f *Fetcher) save(ctx context.Context, rec *models.FetchRecord) {
	metrics.Fetches.WithLabelValues(rec.Status).Inc()
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.FetchRecord
		err := tx.Where("url = ?", rec.URL).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rec.Attempts = 1
			return tx.Create(rec).Error
		}
		if err != nil {
			return err
		}
		existing.Name = rec.Name
		existing.Status = rec.Status
		existing.Exception = rec.Exception
		existing.BlobKey = rec.BlobKey
		if rec.LastAssignedPid != "" {
			existing.LastAssignedPid = rec.LastAssignedPid
		}
		existing.Attempts++
		*rec = existing
		return tx.Save(rec).Error
	})
	if err != nil {
		f.logger.Error("could not store fetch record", zap.String("url", rec.URL), zap.Error(err))
	}
}

// Truncate255 kürzt s auf höchstens 255 Zeichen und behält Anfang und Ende.
func Truncate255(s string) string {
	r := []rune(s)
	if len(r) <= maxException {
		return s
	}
	keep := (maxException - 3) / 2
	return string(r[:keep]) + "..." + string(r[len(r)-keep:])
}

func uriBase(uri string) string {
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(uri)
}
